package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the live-refresh fabric
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Registry metrics
	RegistrySubscriptionsActive *prometheus.GaugeVec
	RegistryNotificationsTotal  *prometheus.CounterVec
	RegistryCallbacksTotal      *prometheus.CounterVec
	RegistryDispatchDuration    prometheus.Histogram

	// Channel metrics
	ChannelConnected     prometheus.Gauge
	ChannelEventsTotal   *prometheus.CounterVec
	ChannelConnectsTotal *prometheus.CounterVec
	ChannelDisconnects   prometheus.Counter

	// Polling metrics
	PollState             prometheus.Gauge
	PollRefreshTotal      *prometheus.CounterVec
	PollConsecutiveErrors prometheus.Gauge

	// Query metrics
	QueryFetchTotal    *prometheus.CounterVec
	QueryFetchDuration *prometheus.HistogramVec

	// Storage metrics
	StorageOperations *prometheus.CounterVec

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventDelay        prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_api_requests_total",
			Help: "Total number of local API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // from 1ms to ~2s
		},
		[]string{"method", "route"},
	)

	// Registry metrics
	m.RegistrySubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livesync_registry_subscriptions_active",
			Help: "Number of live subscriptions per context",
		},
		[]string{"context"},
	)

	m.RegistryNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_registry_notifications_total",
			Help: "Total number of context invalidations dispatched",
		},
		[]string{"context"},
	)

	m.RegistryCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_registry_callbacks_total",
			Help: "Total number of refresh callbacks invoked by outcome",
		},
		[]string{"context", "result"}, // ok, error, panic, skipped
	)

	m.RegistryDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_registry_dispatch_duration_seconds",
			Help:    "Duration of one invalidation fan-out in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // from 0.1ms to ~3s
		},
	)

	// Channel metrics
	m.ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_channel_connected",
			Help: "Whether the push channel is currently connected (1) or not (0)",
		},
	)

	m.ChannelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_channel_events_total",
			Help: "Total number of push events received by outcome",
		},
		[]string{"result"}, // forwarded, empty, invalid, ignored
	)

	m.ChannelConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_channel_connects_total",
			Help: "Total number of connect attempts by outcome",
		},
		[]string{"result"}, // connected, no_token, failed
	)

	m.ChannelDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_channel_disconnects_total",
			Help: "Total number of unexpected push channel disconnects",
		},
	)

	// Polling metrics
	m.PollState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_poll_state",
			Help: "Polling state (0 idle, 1 polling, 2 paused, 3 stopped)",
		},
	)

	m.PollRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_poll_refresh_total",
			Help: "Total number of polling refreshes by outcome",
		},
		[]string{"result"},
	)

	m.PollConsecutiveErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_poll_consecutive_errors",
			Help: "Current number of consecutive polling failures",
		},
	)

	// Query metrics
	m.QueryFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_query_fetch_total",
			Help: "Total number of resource fetches by outcome",
		},
		[]string{"query", "result"}, // applied, superseded, error, fallback
	)

	m.QueryFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_query_fetch_duration_seconds",
			Help:    "Duration of resource fetches in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // from 5ms to ~10s
		},
		[]string{"query"},
	)

	// Storage metrics
	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_storage_operations_total",
			Help: "Total number of snapshot store operations",
		},
		[]string{"operation", "result"},
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_notifier_connections_active",
			Help: "Number of active relay connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_notifier_events_published_total",
			Help: "Total number of invalidation messages relayed to local views",
		},
		[]string{"protocol"},
	)

	m.NotifierEventDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_notifier_event_delay_seconds",
			Help:    "Delay between an invalidation and its relay flush",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // from 0.5ms to ~1s
		},
	)

	return m
}
