// Package txnindex implements a bucketed transaction status table: one
// Status per in-flight or recently-resolved transaction, hashed into a
// fixed number of buckets, each tracking a floor timestamp below which
// no active reader can still need an older version.
//
// The package is independent of the root voltree package -- it knows
// nothing about pages, keys, or MVV encoding, only about transaction
// lifecycle and visibility -- the same separation bufferpool keeps from
// Page.
package txnindex

import (
	"os"
	"strconv"
	"time"
)

type config struct {
	buckets             int
	wwLockTimeout       time.Duration
	activeCacheInterval time.Duration
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("VOLTREE_TXNINDEX_BUCKETS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.buckets = v
		}
	}
	if cfg.buckets <= 0 {
		cfg.buckets = 64
	}
	cfg.wwLockTimeout = 5 * time.Second
	if env := os.Getenv("VOLTREE_TXNINDEX_WWLOCKTIMEOUT"); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			cfg.wwLockTimeout = d
		}
	}
	cfg.activeCacheInterval = time.Second
	if env := os.Getenv("VOLTREE_TXNINDEX_ACTIVECACHEINTERVAL"); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			cfg.activeCacheInterval = d
		}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.buckets < 1 {
		cfg.buckets = 1
	}
	return cfg
}

// OptBuckets sets the bucket count B; a transaction's bucket is chosen
// by ts mod B. Defaults to env VOLTREE_TXNINDEX_BUCKETS or 64.
func OptBuckets(n int) func(*config) { return func(c *config) { c.buckets = n } }

// OptWWLockTimeout bounds how long a writer waits on another
// transaction's write-write lock before failing with ErrTimeout.
func OptWWLockTimeout(d time.Duration) func(*config) { return func(c *config) { c.wwLockTimeout = d } }

// OptActiveCacheInterval bounds how stale a bucket's cached floor may be.
func OptActiveCacheInterval(d time.Duration) func(*config) {
	return func(c *config) { c.activeCacheInterval = d }
}
