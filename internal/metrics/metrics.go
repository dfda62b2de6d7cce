// Package metrics exposes Prometheus counters and histograms for the IPC
// substrate's diagnostics. Modeled on SAGE-X's internal/metrics package
// (promauto against a dedicated Registry); purely observational — nothing
// here throttles or rejects traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "toolbox_ipc"

// Registry is the dedicated registry all of this package's metrics attach
// to, so embedding applications can expose it on their own /metrics mux
// without colliding with prometheus.DefaultRegisterer.
var Registry = prometheus.NewRegistry()

var (
	// MessagesSent counts Endpoint.Send calls by result ("ok", "signer_unavailable", "endpoint_unknown", "io_error").
	MessagesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Total number of Send attempts by result.",
		},
		[]string{"result"},
	)

	// MessagesReceived counts Endpoint.Recv calls by result ("ok", "timeout").
	MessagesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Total number of Recv calls by result.",
		},
		[]string{"result"},
	)

	// ValidationsTotal counts Envelope.Validate outcomes.
	ValidationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "validations_total",
			Help:      "Total number of envelope validations by outcome.",
		},
		[]string{"outcome"}, // ok, bad_signature, unsupported_version, malformed
	)

	// PublishFanout observes how many subscribers a single Publish call
	// reached (successfully or not).
	PublishFanout = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "fanout_subscribers",
			Help:      "Number of subscribers enumerated per publish call.",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		},
	)

	// PublishFailures counts per-subscriber send failures during fan-out.
	PublishFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pubsub",
			Name:      "publish_failures_total",
			Help:      "Total number of per-subscriber send failures during publish fan-out.",
		},
	)

	// QueueWaitSeconds observes how long Recv blocked before returning.
	QueueWaitSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "recv_wait_seconds",
			Help:      "Time spent blocked in Recv before a message arrived or timeout elapsed.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
