package session

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/trnila/rollerctrl/protocol"
)

const tracerName = "github.com/trnila/rollerctrl/session"

type extraDecoder struct {
	id   byte
	name string
	fn   protocol.DecodeFunc
}

type options struct {
	logger           *slog.Logger
	registerer       prometheus.Registerer
	constLabels      prometheus.Labels
	caps             protocol.Capabilities
	skipRedundant    bool
	decoders         []extraDecoder
	tracerProvider   trace.TracerProvider
	subscriberBuffer int
}

func defaultOptions() options {
	return options{
		logger:           slog.Default(),
		skipRedundant:    true,
		subscriberBuffer: 8,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) tracer() trace.Tracer {
	if o.tracerProvider != nil {
		return o.tracerProvider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

// Option configures a Session, Encoder or Decoder.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer exports the session metrics. Without it they are collected
// but not registered anywhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithConstLabels labels every metric, e.g. with the port name when several
// sessions share a registry.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(o *options) {
		o.constLabels = labels
	}
}

// WithCapabilities sets what the connected firmware supports.
func WithCapabilities(caps protocol.Capabilities) Option {
	return func(o *options) {
		o.caps = caps
	}
}

// WithSkipRedundant controls whether an unbounded streaming configuration
// equal to the active one is sent again. Default true.
func WithSkipRedundant(skip bool) Option {
	return func(o *options) {
		o.skipRedundant = skip
	}
}

// WithDecoder registers an additional async event decoder.
func WithDecoder(id byte, name string, fn protocol.DecodeFunc) Option {
	return func(o *options) {
		o.decoders = append(o.decoders, extraDecoder{id: id, name: name, fn: fn})
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithSubscriberBuffer sets the channel size handed out by Subscribe.
func WithSubscriberBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.subscriberBuffer = n
		}
	}
}
