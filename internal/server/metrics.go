package server

import (
	"net/http"

	"lockt/internal/dashboard"
	"lockt/internal/escrow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records dashboard outcomes. It implements dashboard.Observer.
type Metrics struct {
	registry      *prometheus.Registry
	actionsTotal  *prometheus.CounterVec
	refreshTotal  *prometheus.CounterVec
	connectsTotal *prometheus.CounterVec
	replaysTotal  *prometheus.CounterVec
	escrowState   prometheus.Gauge
}

func NewMetrics() *Metrics {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockt_actions_total",
		Help: "State-changing escrow actions by outcome",
	}, []string{"action", "result"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockt_refresh_total",
		Help: "Escrow snapshot reads by outcome",
	}, []string{"result"})

	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockt_wallet_connects_total",
		Help: "Wallet connection attempts by outcome",
	}, []string{"result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockt_idempotent_replays_total",
		Help: "Action responses served from the idempotency store",
	}, []string{"action"})

	state := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockt_escrow_state",
		Help: "Last observed escrow state ordinal",
	})
	state.Set(-1)

	r := prometheus.NewRegistry()
	r.MustRegister(actions, refreshes, connects, replays, state)

	return &Metrics{
		registry:      r,
		actionsTotal:  actions,
		refreshTotal:  refreshes,
		connectsTotal: connects,
		replaysTotal:  replays,
		escrowState:   state,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveConnect(result string) {
	m.connectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRefresh(result string) {
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAction(action dashboard.Action, result string) {
	m.actionsTotal.WithLabelValues(string(action), result).Inc()
}

func (m *Metrics) ObserveState(state escrow.State) {
	m.escrowState.Set(float64(state))
}

func (m *Metrics) incReplay(action dashboard.Action) {
	m.replaysTotal.WithLabelValues(string(action)).Inc()
}
