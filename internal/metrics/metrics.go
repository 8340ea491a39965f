// Package metrics provides Prometheus metrics for the expert agent
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the expert agent. A nil
// *Metrics is valid and records nothing, so library users can opt out.
type Metrics struct {
	// Ask intake metrics
	AsksReceivedTotal  prometheus.Counter
	AsksDiscardedTotal *prometheus.CounterVec

	// Bid metrics
	BidsPublishedTotal prometheus.Counter

	// Turn metrics
	TurnsTotal          *prometheus.CounterVec
	ConversationsActive prometheus.Gauge
	HandlerDuration     *prometheus.HistogramVec

	// Publish metrics
	PublishRelaysTotal *prometheus.CounterVec

	// Wallet metrics
	WalletRequestsTotal   *prometheus.CounterVec
	WalletRequestDuration *prometheus.HistogramVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// Ask intake metrics
	m.AsksReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expertagent_asks_received_total",
			Help: "Total number of ask events received",
		},
	)

	m.AsksDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expertagent_asks_discarded_total",
			Help: "Total number of ask events discarded before bidding",
		},
		[]string{"reason"},
	)

	// Bid metrics
	m.BidsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expertagent_bids_published_total",
			Help: "Total number of bid events published",
		},
	)

	// Turn metrics
	m.TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expertagent_turns_total",
			Help: "Total number of conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	m.ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expertagent_conversations_active",
			Help: "Number of conversations currently armed",
		},
	)

	m.HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "expertagent_handler_duration_seconds",
			Help:    "Duration of user handler invocations in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"handler"},
	)

	// Publish metrics
	m.PublishRelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expertagent_publish_relays_total",
			Help: "Per-relay publish outcomes",
		},
		[]string{"result"},
	)

	// Wallet metrics
	m.WalletRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expertagent_wallet_requests_total",
			Help: "Total number of wallet requests",
		},
		[]string{"method", "status"},
	)

	m.WalletRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "expertagent_wallet_request_duration_seconds",
			Help:    "Duration of wallet requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Server metrics
	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expertagent_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordAsk records a received ask event
func (m *Metrics) RecordAsk() {
	if m == nil {
		return
	}
	m.AsksReceivedTotal.Inc()
}

// RecordAskDiscarded records an ask dropped before a bid was published
func (m *Metrics) RecordAskDiscarded(reason string) {
	if m == nil {
		return
	}
	m.AsksDiscardedTotal.WithLabelValues(reason).Inc()
}

// RecordBid records a published bid
func (m *Metrics) RecordBid() {
	if m == nil {
		return
	}
	m.BidsPublishedTotal.Inc()
}

// RecordTurn records the outcome of a conversation turn
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// ConversationStarted tracks a newly armed conversation
func (m *Metrics) ConversationStarted() {
	if m == nil {
		return
	}
	m.ConversationsActive.Inc()
}

// ConversationEnded tracks a released conversation
func (m *Metrics) ConversationEnded() {
	if m == nil {
		return
	}
	m.ConversationsActive.Dec()
}

// RecordHandler records a user handler invocation
func (m *Metrics) RecordHandler(handler string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordPublish records per-relay publish outcomes
func (m *Metrics) RecordPublish(ok, failed int) {
	if m == nil {
		return
	}
	m.PublishRelaysTotal.WithLabelValues("accepted").Add(float64(ok))
	m.PublishRelaysTotal.WithLabelValues("rejected").Add(float64(failed))
}

// RecordWalletRequest records a wallet request with its status
func (m *Metrics) RecordWalletRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WalletRequestsTotal.WithLabelValues(method, status).Inc()
	m.WalletRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
