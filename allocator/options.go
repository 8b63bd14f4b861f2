package allocator

import (
	"errors"
	"time"

	"github.com/truemark/albpriority/logging"
)

// Option is a functional option for configuring an [Allocator].
type Option func(*Options)

// Options holds the resolved configuration for an [Allocator].
type Options struct {
	logger   logging.Logger
	notifier Notifier
	clock    func() time.Time
}

func newOptions() *Options {
	return &Options{
		logger: logging.Noop(),
		clock:  time.Now,
	}
}

func (o *Options) validate() error {
	if o.logger == nil {
		return errors.New("logger cannot be nil")
	}

	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}

	return nil
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// WithNotifier sets a [Notifier] that is told about every committed
// allocation and release. By default no events are sent.
func WithNotifier(n Notifier) Option {
	return func(o *Options) {
		o.notifier = n
	}
}

// WithClock sets the clock used to timestamp events. Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
