// lookahead/metrics.go
// Prometheus collectors and expvar publication for the completion engine.
package lookahead

import (
	"expvar"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lookahead"

var (
	// Registry holds every collector of the engine; binaries serve it on /metrics.
	Registry = prometheus.NewRegistry()

	sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Completion sessions started, by invocation mode.",
		},
		[]string{"mode"},
	)

	sessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_finished_total",
			Help:      "Completion sessions disposed, by the phase entered next.",
		},
		[]string{"next_phase"},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "Time from invocation to disposal of a completion session.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	candidatesAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "candidates_added_total",
		Help:      "Candidates accepted by the arranger.",
	})

	candidatesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "candidates_evicted_total",
		Help:      "Candidates evicted by the retention budget.",
	})

	phaseViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "phase_violations_total",
		Help:      "Operations that expected a different current phase.",
	})

	refreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "view_refreshes_total",
		Help:      "Coalesced view refreshes.",
	})

	restarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "session_restarts_total",
		Help:      "Sessions restarted by a watched prefix or caret move.",
	})

	syncTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sync_timeouts_total",
		Help:      "Synchronous attempts that fell through to background computation.",
	})

	preconditionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "precondition_failures_total",
		Help:      "Sessions cancelled because the read precondition failed.",
	})

	providerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provider_failures_total",
			Help:      "Isolated provider failures, by provider.",
		},
		[]string{"provider"},
	)

	itemsChosen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "items_chosen_total",
			Help:      "Candidates inserted, by provider.",
		},
		[]string{"provider"},
	)

	currentPhase = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "current_phase",
		Help:      "Tag of the most recently entered phase.",
	})
)

var registerMetrics sync.Once

// RegisterMetrics registers the engine collectors plus any custom ones with Registry.
func RegisterMetrics(custom ...prometheus.Collector) {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			sessionsStarted,
			sessionsFinished,
			sessionDuration,
			candidatesAdded,
			candidatesEvicted,
			phaseViolations,
			refreshes,
			restarts,
			syncTimeouts,
			preconditionFailures,
			providerFailures,
			itemsChosen,
			currentPhase,
		)
		for _, c := range custom {
			Registry.MustRegister(c)
		}
	})
}

func metricSessionStarted(explicit bool) {
	mode := "auto"
	if explicit {
		mode = "explicit"
	}
	sessionsStarted.WithLabelValues(mode).Inc()
}

func metricSessionFinished(next string) { sessionsFinished.WithLabelValues(next).Inc() }
func observeSessionDuration(d time.Duration) { sessionDuration.Observe(d.Seconds()) }
func metricCandidateAdded() { candidatesAdded.Inc() }
func metricCandidatesEvicted(n int) { candidatesEvicted.Add(float64(n)) }
func metricPhaseViolation() { phaseViolations.Inc() }
func metricRefresh() { refreshes.Inc() }
func metricRestart() { restarts.Inc() }
func metricSyncTimeout() { syncTimeouts.Inc() }
func metricPreconditionFailure() { preconditionFailures.Inc() }
func metricProviderFailures(provider string) { providerFailures.WithLabelValues(provider).Inc() }
func metricItemChosen(provider string) { itemsChosen.WithLabelValues(provider).Inc() }
func metricPhase(tag PhaseTag) { currentPhase.Set(float64(tag)) }

// ============================================================================
// expvar Publication
// ============================================================================

var publishExpvarOnce sync.Once

// ExpvarSource is what PublishExpvar reads on every /debug/vars scrape.
type ExpvarSource struct {
	Name         string
	Version      string
	OpenFiles    func() int
	Pending      func() int
	MemoryCache  *MemoryCache // May be nil.
	StatsEntries func() int   // May be nil.
}

// PublishExpvar publishes process and engine variables once per process.
func PublishExpvar(src ExpvarSource) {
	publishExpvarOnce.Do(func() {
		startTime := time.Now()
		expvar.NewString("serverInfo.name").Set(src.Name)
		expvar.NewString("serverInfo.version").Set(src.Version)
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		if src.OpenFiles != nil {
			expvar.Publish("lsp.openFiles", expvar.Func(func() any { return src.OpenFiles() }))
		}
		if src.Pending != nil {
			expvar.Publish("lsp.pendingRequests", expvar.Func(func() any { return src.Pending() }))
		}
		if src.MemoryCache != nil {
			mc := src.MemoryCache
			expvar.Publish("cache.memory.hits", expvar.Func(func() any { return mc.Hits() }))
			expvar.Publish("cache.memory.misses", expvar.Func(func() any { return mc.Misses() }))
			expvar.Publish("cache.memory.ratio", expvar.Func(func() any { return mc.Ratio() }))
		}
		if src.StatsEntries != nil {
			expvar.Publish("stats.entries", expvar.Func(func() any { return src.StatsEntries() }))
		}
	})
}
