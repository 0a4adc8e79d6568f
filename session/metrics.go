package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus collectors of one session. With a nil
// Registerer the collectors work but are not exported.
type metrics struct {
	framesSent     *prometheus.CounterVec
	sendErrors     *prometheus.CounterVec
	sendsSkipped   prometheus.Counter
	framesReceived *prometheus.CounterVec
	bytesDropped   *prometheus.CounterVec
	events         *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	eventsDropped  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, labels prometheus.Labels) *metrics {
	factory := promauto.With(reg)
	const ns = "rollerctrl"

	return &metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "frames_sent_total",
			Help:        "Command frames handed to the transport",
			ConstLabels: labels,
		}, []string{"command"}),

		sendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "send_errors_total",
			Help:        "Commands that failed to encode or send",
			ConstLabels: labels,
		}, []string{"command", "stage"}),

		sendsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "streaming_sends_skipped_total",
			Help:        "Streaming configurations not sent because they were already active",
			ConstLabels: labels,
		}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "frames_received_total",
			Help:        "Valid frames decoded from the device",
			ConstLabels: labels,
		}, []string{"class"}),

		bytesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "bytes_dropped_total",
			Help:        "Inbound bytes discarded while resynchronising",
			ConstLabels: labels,
		}, []string{"reason"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "events_total",
			Help:        "Events dispatched to listeners",
			ConstLabels: labels,
		}, []string{"kind"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "decode_errors_total",
			Help:        "Payloads that decoded only partially",
			ConstLabels: labels,
		}, []string{"kind"}),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "subscriber_events_dropped_total",
			Help:        "Events not delivered to a subscriber whose buffer was full",
			ConstLabels: labels,
		}),
	}
}
