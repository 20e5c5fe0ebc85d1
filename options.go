package tidekv

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds an engine's tunables. Directory, memtable flush size, and
// compaction interval are constructor arguments; everything else is an
// Option, rather than growing Open's positional parameter list
// indefinitely.
type Config struct {
	Directory              string
	DirPerm                uint32
	MemtableFlushThreshold int
	CompactionIntervalSecs int
	MaxCompactionThreads   int
	CompactionThreshold    int

	compress bool
	logger   *log.Logger
	logFile  string
	metrics  prometheus.Registerer
}

// Option configures a Config beyond its required constructor arguments.
type Option func(*Config)

// WithCompression enables snappy compression of SSTable record values.
func WithCompression() Option {
	return func(c *Config) { c.compress = true }
}

// WithDirPerm sets the permission bits used when creating the database
// directory. Defaults to 0755.
func WithDirPerm(perm uint32) Option {
	return func(c *Config) { c.DirPerm = perm }
}

// WithLogger directs the engine's log output at logger instead of the
// package-level default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithLogFile directs the engine's log output at a file under its
// directory.
func WithLogFile(name string) Option {
	return func(c *Config) { c.logFile = name }
}

// WithMetrics registers the engine's Prometheus instrumentation on reg.
// Without this option, the engine never imports or touches prometheus at
// runtime beyond the struct fields.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.metrics = reg }
}

// WithMaxCompactionThreads bounds how many SSTable merge pairs a single
// compaction round runs concurrently. Zero or negative means unbounded
// (errgroup.Group.SetLimit is not called).
func WithMaxCompactionThreads(n int) Option {
	return func(c *Config) { c.MaxCompactionThreads = n }
}

// WithCompactionThreshold overrides the SSTable count that triggers a
// compaction round immediately after a flush, independent of the periodic
// compactionInterval scheduler.
func WithCompactionThreshold(n int) Option {
	return func(c *Config) { c.CompactionThreshold = n }
}
