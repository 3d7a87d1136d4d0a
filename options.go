package fibersched

import (
	"time"

	"github.com/joeycumines/logiface"
)

// options holds configuration shared by Scheduler and IOManager creation.
type options struct {
	logger           *logiface.Logger[logiface.Event]
	defaultStackSize int
	maxPollTimeout   time.Duration
}

// Option configures a Scheduler or IOManager instance.
type Option func(*options)

// WithLogger attaches a structured logger. A nil logger (the default)
// disables all output; logiface treats a nil *Logger as a no-op.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDefaultStackSize sets the stack size hint for fibers the scheduler
// creates internally (callback fibers, idle fibers). Values <= 0 select
// DefaultStackSize.
func WithDefaultStackSize(size int) Option {
	return func(o *options) {
		o.defaultStackSize = size
	}
}

// WithMaxPollTimeout bounds how long an idle worker blocks in epoll_wait
// when no timer supplies an earlier deadline. The default is 3 seconds.
func WithMaxPollTimeout(d time.Duration) Option {
	return func(o *options) {
		o.maxPollTimeout = d
	}
}

func resolveOptions(opts []Option) *options {
	cfg := &options{
		defaultStackSize: DefaultStackSize,
		maxPollTimeout:   3 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	if cfg.defaultStackSize <= 0 {
		cfg.defaultStackSize = DefaultStackSize
	}
	if cfg.maxPollTimeout <= 0 {
		cfg.maxPollTimeout = 3 * time.Second
	}
	return cfg
}
