package eventlog

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts = 10
	defaultPageSize    = 100
	defaultBatchSize   = 10
)

type options struct {
	logger      *slog.Logger
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	pageSize    int
	batchSize   int
	envelope    bool
	now         func() time.Time
}

// Option configures the components of this package. Each component reads the
// options relevant to it and ignores the rest.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		newBackOff:  defaultBackOff,
		pageSize:    defaultPageSize,
		batchSize:   defaultBatchSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.RandomizationFactor = 0.5
	return b
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxAttempts bounds the attempts of an append or publish. Zero retries
// until the context is done.
func WithMaxAttempts(n uint) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithBackOff replaces the delay policy between attempts.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(o *options) {
		o.newBackOff = newBackOff
	}
}

// WithPageSize sets the number of events fetched per page of a ranged read.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithBatchSize sets the number of messages a replay publishes at once.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithNotificationEnvelope wraps published event messages in a pub/sub
// notification, as a topic fanning out into queues would.
func WithNotificationEnvelope() Option {
	return func(o *options) {
		o.envelope = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
