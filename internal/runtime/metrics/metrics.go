package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters both runtimes report. Pass a nil registerer
// to get unregistered collectors, which tests use.
type Metrics struct {
	EventsEmitted    *prometheus.CounterVec
	EventsSuppressed prometheus.Counter
	EventsReceived   *prometheus.CounterVec

	RequestsServed *prometheus.CounterVec
	RequestsSent   prometheus.Counter

	SubscriptionsAcked  prometheus.Counter
	SubscriptionsNacked prometheus.Counter

	StrayReplies   prometheus.Counter
	DecodeFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "events_emitted_total",
			Help:      "Timer events broadcast to subscribers.",
		}, []string{"timer"}),
		EventsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "events_suppressed_total",
			Help:      "Timer firings dropped because no subscriber was active.",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "events_received_total",
			Help:      "Timer events delivered to the client.",
		}, []string{"timer"}),
		RequestsServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "requests_served_total",
			Help:      "Requests answered, by return code.",
		}, []string{"return_code"}),
		RequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "requests_sent_total",
			Help:      "Requests sent by the client.",
		}),
		SubscriptionsAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "subscriptions_acked_total",
			Help:      "Subscription requests accepted.",
		}),
		SubscriptionsNacked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "subscriptions_nacked_total",
			Help:      "Subscription requests rejected.",
		}),
		StrayReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "stray_replies_total",
			Help:      "Responses that matched no outstanding request.",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "helloflow",
			Name:      "decode_failures_total",
			Help:      "Inbound payloads the wire codec rejected.",
		}),
	}
}
