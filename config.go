package voltree

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config controls a Engine. The zero value is invalid; build one with
// NewConfig, which applies environment-variable defaults the same way
// gholt-valuestore's ValuesStoreOpts and valuelocmap.resolveConfig do,
// then layers the supplied Opt funcs, then clamps to sane floors.
type Config struct {
	Cores int

	DataPath    string
	JournalPath string

	PageSize         int
	JournalBlockSize int

	BufferFrameCount    int
	CheckpointInterval  time.Duration
	CleanupInterval     time.Duration
	ClaimTimeout        time.Duration
	WriteWriteTimeout   time.Duration
	ActiveCacheInterval time.Duration

	TransactionIndexBuckets int

	// SyncRollback controls whether a rollback synchronously fsyncs its TX
	// record before returning to the caller (safe, costs an fsync on every
	// abort) or relies on the live-transaction map to suppress aborted
	// effects at recovery.
	SyncRollback bool

	LogCritical LogFunc
	LogError    LogFunc
	LogWarning  LogFunc
	LogInfo     LogFunc
	LogDebug    LogFunc
}

const envPrefix = "VOLTREE_"

func envInt(name string, into *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*into = n
		}
	}
}

func envDuration(name string, into *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*into = d
		}
	}
}

func envBool(name string, into *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*into = b
		}
	}
}

// NewConfig builds a Config from VOLTREE_* environment variables, then
// applies opts, then clamps every field to a usable floor. Passing no opts
// yields sane defaults for a single local data directory.
func NewConfig(opts ...func(*Config)) *Config {
	c := &Config{}
	envInt("CORES", &c.Cores)
	if c.Cores <= 0 {
		c.Cores = runtime.GOMAXPROCS(0)
	}
	if v := os.Getenv(envPrefix + "DATAPATH"); v != "" {
		c.DataPath = v
	}
	if c.DataPath == "" {
		c.DataPath = "."
	}
	if v := os.Getenv(envPrefix + "JOURNALPATH"); v != "" {
		c.JournalPath = v
	}
	if c.JournalPath == "" {
		c.JournalPath = c.DataPath
	}
	envInt("PAGESIZE", &c.PageSize)
	if c.PageSize <= 0 {
		c.PageSize = 16384
	}
	envInt("JOURNALBLOCKSIZE", &c.JournalBlockSize)
	if c.JournalBlockSize <= 0 {
		c.JournalBlockSize = 100 * 1024 * 1024
	}
	envInt("BUFFERFRAMECOUNT", &c.BufferFrameCount)
	if c.BufferFrameCount <= 0 {
		c.BufferFrameCount = 4096
	}
	envDuration("CHECKPOINTINTERVAL", &c.CheckpointInterval)
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	envDuration("CLEANUPINTERVAL", &c.CleanupInterval)
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 2 * time.Second
	}
	envDuration("CLAIMTIMEOUT", &c.ClaimTimeout)
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	envDuration("WRITEWRITETIMEOUT", &c.WriteWriteTimeout)
	if c.WriteWriteTimeout <= 0 {
		c.WriteWriteTimeout = 5 * time.Second
	}
	envDuration("ACTIVECACHEINTERVAL", &c.ActiveCacheInterval)
	if c.ActiveCacheInterval <= 0 {
		c.ActiveCacheInterval = 100 * time.Millisecond
	}
	envInt("TRANSACTIONINDEXBUCKETS", &c.TransactionIndexBuckets)
	if c.TransactionIndexBuckets <= 0 {
		c.TransactionIndexBuckets = 256
	}
	c.SyncRollback = true
	envBool("SYNCROLLBACK", &c.SyncRollback)

	for _, opt := range opts {
		opt(c)
	}

	if c.Cores < 1 {
		c.Cores = 1
	}
	if c.BufferFrameCount < 16 {
		c.BufferFrameCount = 16
	}
	if c.TransactionIndexBuckets < 1 {
		c.TransactionIndexBuckets = 1
	}
	if c.LogCritical == nil {
		c.LogCritical = discardLog
	}
	if c.LogError == nil {
		c.LogError = discardLog
	}
	if c.LogWarning == nil {
		c.LogWarning = discardLog
	}
	if c.LogInfo == nil {
		c.LogInfo = discardLog
	}
	if c.LogDebug == nil {
		c.LogDebug = discardLog
	}
	return c
}

// OptDataPath sets the directory volumes are created/opened in when a
// volume spec does not give an absolute path. Defaults to env
// VOLTREE_DATAPATH or the current directory.
func OptDataPath(p string) func(*Config) { return func(c *Config) { c.DataPath = p } }

// OptJournalPath sets the directory journal files live in. Defaults to
// env VOLTREE_JOURNALPATH or DataPath.
func OptJournalPath(p string) func(*Config) { return func(c *Config) { c.JournalPath = p } }

// OptPageSize sets the byte size of each buffer-pool frame; must be one
// of 1024, 2048, 4096, 8192, 16384. Defaults to env VOLTREE_PAGESIZE or
// 16384. A volume takes its page size from its volume spec, not from
// this value.
func OptPageSize(n int) func(*Config) { return func(c *Config) { c.PageSize = n } }

// OptBufferFrameCount sets the number of page frames the buffer pool
// holds. Defaults to env VOLTREE_BUFFERFRAMECOUNT or 4096.
func OptBufferFrameCount(n int) func(*Config) { return func(c *Config) { c.BufferFrameCount = n } }

// OptCheckpointInterval sets how often the background checkpointer runs.
func OptCheckpointInterval(d time.Duration) func(*Config) {
	return func(c *Config) { c.CheckpointInterval = d }
}

// OptClaimTimeout bounds how long a buffer-pool page claim waits before
// failing with ErrTimeout.
func OptClaimTimeout(d time.Duration) func(*Config) { return func(c *Config) { c.ClaimTimeout = d } }

// OptWriteWriteTimeout bounds how long a writer waits on another
// transaction's wwLock before failing with ErrTimeout.
func OptWriteWriteTimeout(d time.Duration) func(*Config) {
	return func(c *Config) { c.WriteWriteTimeout = d }
}

// OptSyncRollback controls whether rollback synchronously flushes its TX
// record before returning. Default true.
func OptSyncRollback(sync bool) func(*Config) { return func(c *Config) { c.SyncRollback = sync } }

// OptLogCritical, OptLogError, OptLogWarning, OptLogInfo, OptLogDebug wire
// the engine's LogFunc hooks one severity at a time.
func OptLogCritical(f LogFunc) func(*Config) { return func(c *Config) { c.LogCritical = f } }
func OptLogError(f LogFunc) func(*Config)    { return func(c *Config) { c.LogError = f } }
func OptLogWarning(f LogFunc) func(*Config)  { return func(c *Config) { c.LogWarning = f } }
func OptLogInfo(f LogFunc) func(*Config)     { return func(c *Config) { c.LogInfo = f } }
func OptLogDebug(f LogFunc) func(*Config)    { return func(c *Config) { c.LogDebug = f } }
