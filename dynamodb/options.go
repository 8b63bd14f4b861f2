package dynamodb

import (
	"errors"
	"time"

	"github.com/truemark/albpriority/logging"
)

// Option is a functional option for configuring a [Client].
type Option func(*Options)

// Options holds the configuration for a [Client]. Use [Option] functions
// (such as [WithLogger] or [WithSource]) to customise the defaults.
type Options struct {
	source           string
	queryPageSize    int32
	tableWaitTimeout time.Duration
	dynamoDBAPI      API
	clock            func() time.Time
	logger           logging.Logger
}

func newOptions() *Options {
	return &Options{
		source:           DefaultSource,
		tableWaitTimeout: 2 * time.Minute,
		clock:            time.Now,
		logger:           logging.Noop(),
	}
}

func (o *Options) validate() error {
	if o.source == "" {
		return errors.New("source cannot be empty")
	}

	if o.queryPageSize < 0 {
		return errors.New("query page size cannot be negative")
	}

	if o.tableWaitTimeout < 0 {
		return errors.New("table wait timeout cannot be negative")
	}

	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}

	if o.logger == nil {
		return errors.New("logger cannot be nil")
	}

	return nil
}

// WithSource sets the provenance tag written to the Source attribute of new
// records. The default is [DefaultSource].
func WithSource(source string) Option {
	return func(o *Options) {
		o.source = source
	}
}

// WithQueryPageSize caps the number of items returned per Query page when
// listing a listener's priorities. Zero (the default) lets DynamoDB decide.
func WithQueryPageSize(n int32) Option {
	return func(o *Options) {
		o.queryPageSize = n
	}
}

// WithTableWaitTimeout sets how long [Client.EnsureTable] waits for the table
// to become ACTIVE. Zero disables waiting. The default is 2 minutes.
func WithTableWaitTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.tableWaitTimeout = d
	}
}

// WithAPI sets a custom [API] implementation. This is useful when a custom
// DynamoDB configuration is required, or for injecting mocks in tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.dynamoDBAPI = api
	}
}

// WithClock sets the clock used for the AllocatedAt attribute. Defaults to
// [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}
