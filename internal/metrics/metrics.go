package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_http_requests_total",
			Help: "Upstream HTTP attempts by endpoint and status code (0 = network error)",
		},
		[]string{"endpoint", "status"},
	)

	HTTPRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_http_retries_total",
			Help: "Upstream HTTP retries by endpoint",
		},
		[]string{"endpoint"},
	)

	HTTPFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_http_failures_total",
			Help: "Upstream HTTP requests that failed after retries, by endpoint and kind",
		},
		[]string{"endpoint", "kind"},
	)

	// Watcher state
	WatchedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "placewatch_watched_users",
			Help: "Number of group members at or above the rank threshold",
		},
	)

	PresentUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "placewatch_present_users",
			Help: "Number of watched users currently in the target place",
		},
	)

	Running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "placewatch_running",
			Help: "Whether the watcher timers are armed (1 = running)",
		},
	)

	// Cycles
	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_poll_cycles_total",
			Help: "Presence poll cycles by result (ok, skipped, rate_limited, failed)",
		},
		[]string{"result"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "placewatch_poll_duration_seconds",
			Help:    "Duration of completed presence poll cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	RosterRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_roster_refreshes_total",
			Help: "Roster refreshes by result (ok, partial, empty, failed)",
		},
		[]string{"result"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_transitions_total",
			Help: "Presence transitions by kind (joined, left, already_present)",
		},
		[]string{"kind"},
	)

	// Chat side
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_alerts_total",
			Help: "Alert sends by outcome (delivered, suppressed, failed)",
		},
		[]string{"outcome"},
	)

	PanelUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_panel_updates_total",
			Help: "Panel pushes by outcome (updated, created, skipped, failed)",
		},
		[]string{"outcome"},
	)

	NameCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "placewatch_name_cache_entries",
			Help: "Resolved display names held in memory",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placewatch_commands_total",
			Help: "Slash commands handled by name and result",
		},
		[]string{"command", "result"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRetriesTotal)
	prometheus.MustRegister(HTTPFailuresTotal)
	prometheus.MustRegister(WatchedUsers)
	prometheus.MustRegister(PresentUsers)
	prometheus.MustRegister(Running)
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(RosterRefreshesTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(PanelUpdatesTotal)
	prometheus.MustRegister(NameCacheSize)
	prometheus.MustRegister(CommandsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
