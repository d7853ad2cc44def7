// Package metrics provides Prometheus metrics for the delivery engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages Prometheus metrics registration and exposure.
type Registry struct {
	registry *prometheus.Registry

	// EventsPublished counts publish calls by priority tier.
	EventsPublished *prometheus.CounterVec
	// EventsDelivered counts envelopes handed to live sessions.
	EventsDelivered prometheus.Counter
	// EventsAcked counts acks received from terminals.
	EventsAcked prometheus.Counter
	// DeliveryRetries counts re-sends of unacked reliable events.
	DeliveryRetries prometheus.Counter
	// DeliveryExhausted counts reliable events abandoned after max retries.
	DeliveryExhausted prometheus.Counter
	// ReplayBatches counts sync batches served to reconnecting terminals.
	ReplayBatches prometheus.Counter
	// BridgeFramesOut counts frames published to the cross-instance bridge.
	BridgeFramesOut prometheus.Counter
	// BridgeFramesIn counts foreign frames accepted from the bridge.
	BridgeFramesIn prometheus.Counter
	// ConnectedSessions tracks live terminal sessions on this instance.
	ConnectedSessions prometheus.Gauge
}

// NewRegistry creates a metrics registry with Go runtime collectors plus the
// delivery-engine metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillstream_events_published_total",
			Help: "Business events accepted by the publisher, by priority.",
		}, []string{"priority"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_events_delivered_total",
			Help: "Event envelopes written to live terminal sessions.",
		}),
		EventsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_events_acked_total",
			Help: "Acknowledgements received from terminals.",
		}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_delivery_retries_total",
			Help: "Re-sends of reliable events that missed their ack timeout.",
		}),
		DeliveryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_delivery_exhausted_total",
			Help: "Reliable events abandoned after exhausting the retry budget.",
		}),
		ReplayBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_replay_batches_total",
			Help: "Sync batches served to reconnecting terminals.",
		}),
		BridgeFramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_bridge_frames_out_total",
			Help: "Frames published to the cross-instance bridge.",
		}),
		BridgeFramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tillstream_bridge_frames_in_total",
			Help: "Foreign frames accepted from the cross-instance bridge.",
		}),
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tillstream_connected_sessions",
			Help: "Live terminal sessions on this instance.",
		}),
	}

	reg.MustRegister(
		r.EventsPublished,
		r.EventsDelivered,
		r.EventsAcked,
		r.DeliveryRetries,
		r.DeliveryExhausted,
		r.ReplayBatches,
		r.BridgeFramesOut,
		r.BridgeFramesIn,
		r.ConnectedSessions,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// Register registers an additional custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
