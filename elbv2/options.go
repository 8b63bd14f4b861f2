package elbv2

import (
	"errors"
	"time"

	"github.com/truemark/albpriority/logging"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the resolved configuration for a [Client].
type Options struct {
	pageSize                int32
	apiMaxRetryAttempts     int
	apiMaxRetryBackoffDelay time.Duration
	elbAPI                  API
	logger                  logging.Logger
}

func newOptions() *Options {
	return &Options{
		apiMaxRetryAttempts:     5,
		apiMaxRetryBackoffDelay: 10 * time.Second,
		logger:                  logging.Noop(),
	}
}

func (o *Options) validate() error {
	if o.pageSize != 0 && (o.pageSize < 1 || o.pageSize > 400) {
		return errors.New("DescribeRules page size must be between 1 and 400")
	}

	if o.apiMaxRetryAttempts < 0 || o.apiMaxRetryAttempts > 10 {
		return errors.New("max ELB API retry attempts must be between 0 and 10")
	}

	if o.apiMaxRetryBackoffDelay < 1*time.Second || o.apiMaxRetryBackoffDelay > 30*time.Second {
		return errors.New("max ELB API retry backoff delay must be between 1 and 30 seconds")
	}

	if o.logger == nil {
		return errors.New("logger cannot be nil")
	}

	return nil
}

// WithPageSize sets the number of rules requested per DescribeRules call.
// Must be between 1 and 400. Zero (the default) uses the service default.
func WithPageSize(n int32) Option {
	return func(o *Options) {
		o.pageSize = n
	}
}

// WithAPIMaxRetryAttempts sets the maximum number of retry attempts for
// failed ELB API calls. Must be between 0 and 10. Default: 5.
func WithAPIMaxRetryAttempts(n int) Option {
	return func(o *Options) {
		o.apiMaxRetryAttempts = n
	}
}

// WithAPIMaxRetryBackoffDelay sets the maximum backoff delay between
// consecutive ELB API retry attempts. Must be between 1 and 30 seconds.
// Default: 10 seconds.
func WithAPIMaxRetryBackoffDelay(d time.Duration) Option {
	return func(o *Options) {
		o.apiMaxRetryBackoffDelay = d
	}
}

// WithAPI replaces the default ELBv2 client. Intended for tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.elbAPI = api
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}
