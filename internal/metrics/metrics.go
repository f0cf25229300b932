package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay-wide prometheus collectors.
var (
	ConnectedIdentities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "connected_identities",
		Help:      "Currently connected identities by kind.",
	}, []string{"kind"})

	DispatchedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "dispatched_requests_total",
		Help:      "LLM requests forwarded to backends, by room mode.",
	}, []string{"mode"})

	RejectedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "rejected_requests_total",
		Help:      "Inbound requests rejected before dispatch, by reason.",
	}, []string{"reason"})

	StreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "stream_bytes_total",
		Help:      "Stream chunk bytes relayed to subscribers.",
	})

	DroppedEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "dropped_stream_envelopes_total",
		Help:      "Stream envelopes dropped for unknown or ended sessions.",
	})

	ContextPages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "context_pages_total",
		Help:      "Context pages emitted to room members.",
	})
)
