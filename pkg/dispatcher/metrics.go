package dispatcher

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the dispatcher. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests         *prometheus.CounterVec
	openWaitTimeouts *prometheus.CounterVec
	publishes        *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	reauths          prometheus.Counter
}

// NewMetrics creates and registers dispatcher metrics. Returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwibus",
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Replied requests by final reply code",
		}, []string{"bus", "code"}),

		openWaitTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwibus",
			Subsystem: "dispatcher",
			Name:      "open_wait_timeouts_total",
			Help:      "Requests dropped because the bus did not open in time",
		}, []string{"bus"}),

		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwibus",
			Subsystem: "dispatcher",
			Name:      "publishes_total",
			Help:      "Published messages",
		}, []string{"bus"}),

		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiwibus",
			Subsystem: "dispatcher",
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes triggered by expired-token replies",
		}, []string{"result"}),

		reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiwibus",
			Subsystem: "dispatcher",
			Name:      "reauth_total",
			Help:      "Re-authentication hooks fired after a failed refresh",
		}),
	}

	reg.MustRegister(m.requests, m.openWaitTimeouts, m.publishes, m.refreshes, m.reauths)
	return m
}

func (m *Metrics) request(busID string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(busID, strconv.Itoa(code)).Inc()
}

func (m *Metrics) openWaitTimeout(busID string) {
	if m == nil {
		return
	}
	m.openWaitTimeouts.WithLabelValues(busID).Inc()
}

func (m *Metrics) publish(busID string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(busID).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) reauthTriggered() {
	if m == nil {
		return
	}
	m.reauths.Inc()
}
