package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atlgateway",
			Subsystem: "tcp",
			Name:      "connections_active",
			Help:      "Device connections currently open.",
		},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlgateway",
			Subsystem: "tcp",
			Name:      "connections_closed_total",
			Help:      "Device connections closed, by reason.",
		},
		[]string{"reason"},
	)
	bytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "atlgateway",
			Subsystem: "tcp",
			Name:      "bytes_received_total",
			Help:      "Bytes read from device connections.",
		},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlgateway",
			Subsystem: "decoder",
			Name:      "frames_total",
			Help:      "Frames extracted, by envelope variant.",
		},
		[]string{"variant"},
	)
	messagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlgateway",
			Subsystem: "uplink",
			Name:      "messages_total",
			Help:      "Decoded messages handed to the uplink bus.",
		},
		[]string{"type", "success"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlgateway",
			Subsystem: "downlink",
			Name:      "commands_total",
			Help:      "Commands written to devices.",
		},
		[]string{"success"},
	)
)

// Close reasons
const (
	ReasonEOF      = "eof"
	ReasonError    = "error"
	ReasonOversize = "oversize"
	ReasonProtocol = "protocol"
	ReasonReplaced = "replaced"
	ReasonShutdown = "shutdown"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectionsActive, connectionsTotal, bytesReceived,
			framesDecoded, messagesPublished, commandsSent)
	})
}

func ConnectionOpened() {
	RegisterMetrics()
	connectionsActive.Inc()
}

func ConnectionClosed(reason string) {
	RegisterMetrics()
	connectionsActive.Dec()
	connectionsTotal.WithLabelValues(reason).Inc()
}

func RecordBytes(n int) {
	RegisterMetrics()
	bytesReceived.Add(float64(n))
}

func RecordFrame(variant string) {
	RegisterMetrics()
	framesDecoded.WithLabelValues(variant).Inc()
}

func RecordPublish(msgType string, success bool) {
	RegisterMetrics()
	messagesPublished.WithLabelValues(msgType, boolLabel(success)).Inc()
}

func RecordCommand(success bool) {
	RegisterMetrics()
	commandsSent.WithLabelValues(boolLabel(success)).Inc()
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
