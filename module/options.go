package module

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures how a module is loaded.
type Option func(*options)

type options struct {
	logger     log.Logger
	registerer prometheus.Registerer
	locate     bool
	base       int64
	container  int64
	maxObject  uint64
}

func defaultOptions() options {
	return options{
		logger: log.NewNopLogger(),
		locate: true,
	}
}

// WithLogger sets the logger used for load and fixup diagnostics.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the loader metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithMaxObjectSize limits the virtual size of objects that RawObject and
// ReadObject will allocate. Zero means no limit.
func WithMaxObjectSize(n uint64) Option {
	return func(o *options) {
		o.maxObject = n
	}
}

// WithOffsets makes Open use the given header and container offsets instead of
// locating the header.
func WithOffsets(base, container int64) Option {
	return func(o *options) {
		o.locate = false
		o.base = base
		o.container = container
	}
}
