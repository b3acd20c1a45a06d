package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the telemetry core.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	framerResets    *prometheus.CounterVec // by reason
	decodeErrors    *prometheus.CounterVec // by kind
	fixesPublished  prometheus.Counter
	noFixPublished  prometheus.Counter
	receiverFaults  *prometheus.CounterVec // by kind: overflow, fault
	bleConnections  prometheus.Counter
	bleAdvertiseErr prometheus.Counter
	bleNotifyErr    prometheus.Counter
	bleConnected    prometheus.Gauge
	loraSent        prometheus.Counter
	loraErrors      prometheus.Counter
	loraReceived    prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framerResets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbb_framer_resets_total",
				Help: "Sentence framer resets, labelled by reason",
			},
			[]string{"reason"},
		),
		decodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbb_decode_errors_total",
				Help: "Sentences rejected by the fix decoder, labelled by kind",
			},
			[]string{"kind"},
		),
		fixesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_fixes_published_total",
			Help: "Position fixes published to the position channel",
		}),
		noFixPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_no_fix_published_total",
			Help: "Times the position channel was cleared (receiver has no fix)",
		}),
		receiverFaults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sbb_receiver_faults_total",
				Help: "Serial receiver faults that triggered drain-and-reset",
			},
			[]string{"kind"},
		),
		bleConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_ble_connections_total",
			Help: "BLE centrals accepted",
		}),
		bleAdvertiseErr: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_ble_advertise_errors_total",
			Help: "Failed advertise/accept attempts",
		}),
		bleNotifyErr: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_ble_notify_errors_total",
			Help: "Notifications that failed and ended a connection",
		}),
		bleConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sbb_ble_connected",
			Help: "1 while a BLE central is connected",
		}),
		loraSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_lora_packets_sent_total",
			Help: "Position packets sent over LoRa",
		}),
		loraErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_lora_send_errors_total",
			Help: "LoRa send attempts that failed",
		}),
		loraReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sbb_lora_packets_received_total",
			Help: "Packets the LoRa modem reported as received",
		}),
	}
}

func (m *Metrics) FramerReset(reason string) {
	if m == nil {
		return
	}
	m.framerResets.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) FixPublished() {
	if m == nil {
		return
	}
	m.fixesPublished.Inc()
}

func (m *Metrics) NoFixPublished() {
	if m == nil {
		return
	}
	m.noFixPublished.Inc()
}

func (m *Metrics) ReceiverFault(kind string) {
	if m == nil {
		return
	}
	m.receiverFaults.WithLabelValues(kind).Inc()
}

// BLEConnected records a new connection and flips the connected gauge.
func (m *Metrics) BLEConnected() {
	if m == nil {
		return
	}
	m.bleConnections.Inc()
	m.bleConnected.Set(1)
}

func (m *Metrics) BLEDisconnected() {
	if m == nil {
		return
	}
	m.bleConnected.Set(0)
}

func (m *Metrics) BLEAdvertiseError() {
	if m == nil {
		return
	}
	m.bleAdvertiseErr.Inc()
}

func (m *Metrics) BLENotifyError() {
	if m == nil {
		return
	}
	m.bleNotifyErr.Inc()
}

func (m *Metrics) LoRaSent() {
	if m == nil {
		return
	}
	m.loraSent.Inc()
}

func (m *Metrics) LoRaError() {
	if m == nil {
		return
	}
	m.loraErrors.Inc()
}

func (m *Metrics) LoRaReceived() {
	if m == nil {
		return
	}
	m.loraReceived.Inc()
}
