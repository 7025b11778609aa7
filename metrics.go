package dbft

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a Service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	ViewChanges      prometheus.Counter
	BlocksCommitted  prometheus.Counter
	RecoveryRequests prometheus.Counter
	RecoveryMessages prometheus.Counter
	Height           prometheus.Gauge
	View             prometheus.Gauge
	CommitLatency    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dbft",
				Name:      "messages_received_total",
				Help:      "Number of consensus payloads accepted, by message type",
			},
			[]string{"type"},
		),
		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dbft",
				Name:      "messages_rejected_total",
				Help:      "Number of consensus payloads dropped, by error class",
			},
			[]string{"reason"},
		),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "view_changes_total",
			Help:      "Number of view changes",
		}),
		BlocksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "blocks_committed_total",
			Help:      "Number of blocks committed",
		}),
		RecoveryRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "recovery_requests_sent_total",
			Help:      "Number of recovery requests sent",
		}),
		RecoveryMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "recovery_messages_sent_total",
			Help:      "Number of recovery messages sent",
		}),
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbft",
			Name:      "height",
			Help:      "Height of the current round",
		}),
		View: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbft",
			Name:      "view",
			Help:      "View number of the current round",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbft",
			Name:      "round_duration_seconds",
			Help:      "Time from round start to block commit",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.MessagesReceived, m.MessagesRejected, m.ViewChanges, m.BlocksCommitted,
			m.RecoveryRequests, m.RecoveryMessages, m.Height, m.View, m.CommitLatency,
		} {
			if err := reg.Register(c); err != nil {
				return nil, wrapConfigf("register metrics: %v", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) messageReceived(t MessageType) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) messageRejected(err error) {
	if m != nil {
		m.MessagesRejected.WithLabelValues(rejectReason(err)).Inc()
	}
}

func (m *Metrics) viewChanged(view uint8) {
	if m != nil {
		m.ViewChanges.Inc()
		m.View.Set(float64(view))
	}
}

func (m *Metrics) roundStarted(height uint32, view uint8) {
	if m != nil {
		m.Height.Set(float64(height))
		m.View.Set(float64(view))
	}
}

func (m *Metrics) blockCommitted(elapsedMillis uint64) {
	if m != nil {
		m.BlocksCommitted.Inc()
		m.CommitLatency.Observe(float64(elapsedMillis) / 1000)
	}
}

func (m *Metrics) recoveryRequested() {
	if m != nil {
		m.RecoveryRequests.Inc()
	}
}

func (m *Metrics) recoverySent() {
	if m != nil {
		m.RecoveryMessages.Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrWrongBlock):
		return "wrong_block"
	case errors.Is(err, ErrWrongView):
		return "wrong_view"
	case errors.Is(err, ErrInvalidValidatorIndex):
		return "invalid_validator_index"
	case errors.Is(err, ErrSignatureVerificationFailed):
		return "bad_signature"
	case errors.Is(err, ErrAlreadyReceived):
		return "already_received"
	case errors.Is(err, ErrByzantine):
		return "byzantine"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid"
	default:
		return "internal"
	}
}
