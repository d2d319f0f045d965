package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	FrameCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuebridge_serial_frames_total",
		Help: "The total number of serial frames processed",
	}, []string{"direction", "command"})

	MessageCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuebridge_session_messages_total",
		Help: "The total number of session messages processed",
	}, []string{"transport", "direction"})

	ErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuebridge_errors_total",
		Help: "The total number of errors by component",
	}, []string{"component", "type"})

	EvictionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuebridge_registry_evictions_total",
		Help: "The total number of client registry evictions",
	}, []string{"reason"})

	// Gauges
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuebridge_connected_clients",
		Help: "The number of currently registered network clients",
	})

	ConnectedKeypads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuebridge_connected_keypads",
		Help: "The number of hard keypads mapped on the serial bus",
	})

	SerialDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuebridge_serial_devices",
		Help: "The number of open serial devices",
	})
)

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// IncFrame increments the serial frame counter.
func IncFrame(direction, command string) {
	FrameCount.WithLabelValues(direction, command).Inc()
}

// IncMessage increments the session message counter.
func IncMessage(transport, direction string) {
	MessageCount.WithLabelValues(transport, direction).Inc()
}

// IncError increments the error counter.
func IncError(component, errType string) {
	ErrorCount.WithLabelValues(component, errType).Inc()
}
