// Package bufferpool implements a fixed-size page buffer cache: a fixed
// array of page frames looked up by (volume id, page address), with
// shared/exclusive claims, dirty tracking, LRU eviction, and
// address-ordered dirty selection for sequential flush writes.
//
// The pool is deliberately ignorant of B+-tree page semantics -- it
// caches opaque byte slices and defers loading/writing them to a Source
// the caller supplies. It is an independently configurable companion
// package (its own config/Opt/env-var resolution shape), which keeps it
// free of an import cycle back to the root engine package that owns
// Page/Volume semantics.
package bufferpool

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

type config struct {
	cores        int
	frameCount   int
	pageSize     int
	claimTimeout time.Duration
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("VOLTREE_BUFFERPOOL_CORES"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.cores = v
		}
	}
	if cfg.cores <= 0 {
		cfg.cores = runtime.GOMAXPROCS(0)
	}
	if env := os.Getenv("VOLTREE_BUFFERPOOL_FRAMECOUNT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.frameCount = v
		}
	}
	if cfg.frameCount <= 0 {
		cfg.frameCount = 4096
	}
	if env := os.Getenv("VOLTREE_BUFFERPOOL_PAGESIZE"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.pageSize = v
		}
	}
	if cfg.pageSize <= 0 {
		cfg.pageSize = 16384
	}
	cfg.claimTimeout = 5 * time.Second
	if env := os.Getenv("VOLTREE_BUFFERPOOL_CLAIMTIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			cfg.claimTimeout = d
		}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.frameCount < 2 {
		cfg.frameCount = 2
	}
	if cfg.pageSize < 1 {
		cfg.pageSize = 1
	}
	return cfg
}

// OptCores records how many cores the pool may assume. Defaults to env
// VOLTREE_BUFFERPOOL_CORES or GOMAXPROCS. The pool is not sharded and
// does not read this value.
func OptCores(n int) func(*config) { return func(c *config) { c.cores = n } }

// OptFrameCount sets the fixed number of page frames the pool holds.
// Defaults to env VOLTREE_BUFFERPOOL_FRAMECOUNT or 4096.
func OptFrameCount(n int) func(*config) { return func(c *config) { c.frameCount = n } }

// OptPageSize sets the byte size of each frame. Defaults to env
// VOLTREE_BUFFERPOOL_PAGESIZE or 16384.
func OptPageSize(n int) func(*config) { return func(c *config) { c.pageSize = n } }

// OptClaimTimeout bounds how long Get waits for a conflicting claim to
// release before failing with ErrClaimTimeout.
func OptClaimTimeout(d time.Duration) func(*config) { return func(c *config) { c.claimTimeout = d } }
