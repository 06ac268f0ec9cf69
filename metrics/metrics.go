// Package metrics exposes prometheus collectors for the protocol engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Violation labels.
const (
	ViolationStray          = "stray_frame"
	ViolationDuplicate      = "duplicate_response"
	ViolationCreditExceeded = "credit_exceeded"
	ViolationMalformed      = "malformed_frame"
	ViolationTooLarge       = "frame_too_large"
	ViolationUnexpected     = "unexpected_frame"
)

var (
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minirs",
			Subsystem: "conn",
			Name:      "frames_sent_total",
			Help:      "Frames written to the transport, by frame type",
		},
		[]string{"type"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minirs",
			Subsystem: "conn",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the transport, by frame type",
		},
		[]string{"type"},
	)

	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minirs",
			Subsystem: "conn",
			Name:      "protocol_violations_total",
			Help:      "Recoverable protocol violations, by kind",
		},
		[]string{"kind"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minirs",
			Subsystem: "conn",
			Name:      "active_streams",
			Help:      "Streams currently registered across all connections",
		},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minirs",
			Subsystem: "conn",
			Name:      "open_connections",
			Help:      "Connections that completed the setup handshake and are not closed",
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minirs",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Request-response handler latency, by route",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"route"},
	)
)
