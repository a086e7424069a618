package journal

import (
	"os"
	"strconv"
	"time"
)

// config holds the journal's tunables, resolved from functional options
// over environment-variable defaults (the pattern the root package's
// Config and the bufferpool/txnindex packages' config also follow).
type config struct {
	blockSize        int64
	checksumInterval int
	workers          int
	checkpointEvery  time.Duration
	syncRollback     bool
}

func envInt64(name string, def int64) int64 {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envInt(name string, def int) int {
	return int(envInt64(name, int64(def)))
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{
		blockSize:        envInt64("VOLTREE_JOURNAL_BLOCKSIZE", 64<<20),
		checksumInterval: envInt("VOLTREE_JOURNAL_CHECKSUMINTERVAL", 64*1024),
		workers:          envInt("VOLTREE_JOURNAL_WORKERS", 2),
		checkpointEvery:  envDuration("VOLTREE_JOURNAL_CHECKPOINTEVERY", 30*time.Second),
		// Synchronous TX-record flush on rollback guards against an
		// aborted transaction getting recovered as live because its TX
		// record hadn't reached disk before a crash.
		syncRollback: envBool("VOLTREE_JOURNAL_SYNCROLLBACK", true),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// OptBlockSize sets each journal file's target size before rollover.
func OptBlockSize(n int64) func(*config) { return func(c *config) { c.blockSize = n } }

// OptChecksumInterval sets the brimutil checksum span.
func OptChecksumInterval(n int) func(*config) { return func(c *config) { c.checksumInterval = n } }

// OptWorkers sets the multi-core checksumming writer's worker count.
func OptWorkers(n int) func(*config) { return func(c *config) { c.workers = n } }

// OptCheckpointEvery sets the background checkpoint interval.
func OptCheckpointEvery(d time.Duration) func(*config) {
	return func(c *config) { c.checkpointEvery = d }
}

// OptSyncRollback toggles synchronous durability of TX (rollback)
// records; see the comment on its default in resolveConfig.
func OptSyncRollback(sync bool) func(*config) { return func(c *config) { c.syncRollback = sync } }
