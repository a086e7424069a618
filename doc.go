// Package voltree is an embeddable, transactional key/value storage engine.
//
// Values live inside named B+-trees ("trees") held in one or more paged
// "volume" files. Multiple caller goroutines perform ordered key/value
// operations, range scans, and atomic transactions across arbitrarily many
// trees; the engine guarantees snapshot isolation between concurrent
// transactions, durability of committed transactions via a write-ahead
// journal, and recovery to a consistent state after a crash.
//
// A Volume owns a fixed-size page file and a directory tree mapping tree
// name to tree root page. A Tree is a B+-tree within a volume, reached
// through a Txn, whose TxnCursor is a cursor-like handle bound to
// (volume, tree, current key). Pages are cached by a fixed-size BufferPool; every
// value slot inside a page may hold multiple versions (an MVV) so that a
// reader's snapshot timestamp selects the version it is allowed to see.
// All of this is made durable by a JournalManager: page images are written
// to the journal before they are written back to their volume (the WAL
// invariant), and a background checkpoint both bounds the journal and
// marks the prefix that recovery may skip.
//
// There are background tasks for:
//
//   - Checkpoint: periodically flushes dirty buffer-pool pages whose
//     modification timestamp falls below a new checkpoint timestamp, and
//     records a CP journal entry marking the durable prefix.
//
//   - Cleanup: a periodic tick refreshes the transaction index's cached
//     floors and queues joins of underfull leaves; a single worker runs
//     the bounded priority queue of deferred actions — pruning the MVV
//     versions an aborted transaction wrote, and finishing joins that
//     could not be done inline, which frees the emptied sibling page.
//
// There is no journal copy-back task, no directory-tree compaction and
// no accumulator reconciliation task.
//
// Management, telemetry, backup/dump tooling, and logging backends are
// deliberately kept out of the core: the core exposes only the narrow
// interface (LogFunc hooks, Stats snapshots, Backup/Restore) that those
// shells need. See cmd/voltree for a thin CLI shell built on that surface.
package voltree

import (
	"errors"
	"fmt"
	"os"
)

// LogFunc is the hook type used for all engine logging. The core never
// picks a logging backend for the caller; it only ever calls a LogFunc the
// caller supplied via Config. The zero value logs nothing.
type LogFunc func(format string, v ...interface{})

func discardLog(string, ...interface{}) {}

func osOpenReadWriter(fullPath string) (*os.File, error) {
	return os.OpenFile(fullPath, os.O_RDWR, 0666)
}

func osCreate(fullPath string) (*os.File, error) {
	return os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0666)
}

func osCreateExclusive(fullPath string) (*os.File, error) {
	return os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
}

// errorf builds an *Error of the given kind around a fmt.Errorf message
// with call-site context; (*Error).Is matches it against the sentinel of
// the same kind, so callers can still errors.Is against the kind while
// getting a message specific to what failed.
func errorf(kind ErrKind, format string, v ...interface{}) error {
	return &Error{Kind: kind, err: fmt.Errorf(format, v...)}
}

// Is lets errors.Is match an *Error against one of the package's sentinels.
func (e *Error) Is(target error) bool {
	var oe *Error
	if errors.As(target, &oe) {
		return e.Kind == oe.Kind
	}
	return false
}
