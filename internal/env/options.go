package env

import (
	"github.com/nainya/upsdb/internal/logger"
)

// Options configures an environment at Create/Open time (spec §2's
// Configuration section): page size, cache budget, journal rotation
// threshold, and whether writes are fsynced.
type Options struct {
	PageSize          uint32
	MaxDatabases      uint16
	CacheBudgetBytes  int64
	DurableSync       bool
	JournalThreshold  int64
	EnableCompression bool
	Logger            *logger.Logger
}

// Option mutates Options; functional-option pattern matching the rest of
// the engine's configuration surface.
type Option func(*Options)

// DefaultOptions mirror the reference engine's defaults: 4 KiB pages, 256
// databases, a 16 MiB page cache, a 4 MiB journal rotation threshold,
// durable-sync off (callers that need it ask explicitly).
func DefaultOptions() Options {
	return Options{
		PageSize:         4096,
		MaxDatabases:     256,
		CacheBudgetBytes: 16 << 20,
		JournalThreshold: 4 << 20,
	}
}

func WithPageSize(size uint32) Option {
	return func(o *Options) { o.PageSize = size }
}

func WithMaxDatabases(n uint16) Option {
	return func(o *Options) { o.MaxDatabases = n }
}

func WithCacheSize(bytes int64) Option {
	return func(o *Options) { o.CacheBudgetBytes = bytes }
}

func WithDurableSync(enable bool) Option {
	return func(o *Options) { o.DurableSync = enable }
}

func WithJournalThreshold(bytes int64) Option {
	return func(o *Options) { o.JournalThreshold = bytes }
}

func WithCompression(enable bool) Option {
	return func(o *Options) { o.EnableCompression = enable }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func applyOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
