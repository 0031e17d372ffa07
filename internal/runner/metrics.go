package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every runner of the process and labelled by device.
type Metrics struct {
	sent       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	deadLetter *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	connected  *prometheus.GaugeVec
}

// NewMetrics creates the runner metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lorahub_telemetry_sent_total",
			Help: "Telemetry messages delivered to IoT Hub.",
		}, []string{"device_id"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lorahub_telemetry_send_failures_total",
			Help: "Telemetry sends that failed, by reason.",
		}, []string{"device_id", "reason"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lorahub_reconnect_attempts_total",
			Help: "Connection attempts made by the reconnect loop.",
		}, []string{"device_id"}),
		deadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lorahub_dead_letters_total",
			Help: "Readings handed to the dead-letter sink.",
		}, []string{"device_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lorahub_queue_depth",
			Help: "Readings waiting in the outgoing queue.",
		}, []string{"device_id"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lorahub_connected",
			Help: "1 while the device is connected to IoT Hub.",
		}, []string{"device_id"}),
	}

	for _, c := range []prometheus.Collector{m.sent, m.failures, m.reconnects, m.deadLetter, m.queueDepth, m.connected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// nopMetrics backs runners created without WithMetrics.
func nopMetrics() *Metrics {
	m, _ := NewMetrics(prometheus.NewRegistry())
	return m
}
