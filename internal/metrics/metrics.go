package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg              *prometheus.Registry
	Commits          prometheus.Counter
	Rejects          *prometheus.CounterVec
	EventsAppended   prometheus.Counter
	CommitLatencySec prometheus.Histogram
	StoreRetries     prometheus.Counter

	Subscribers   prometheus.Gauge
	ResyncsServed prometheus.Counter

	ReplayApplied prometheus.Counter
	ReplaySkipped prometheus.Counter
	SweepsRun     prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	commits := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_commits_total"})
	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_rejects_total"}, []string{"reason"})
	appended := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_events_appended_total"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_commit_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	retries := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_store_retries_total"})

	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_subscribers"})
	resyncs := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_resyncs_served_total"})

	replayApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_replay_applied_total"})
	replaySkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_replay_skipped_total"})
	sweeps := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_sweeps_run_total"})

	r.MustRegister(commits, rejects, appended, latency, retries, subscribers, resyncs, replayApplied, replaySkipped, sweeps)
	return &Registry{
		reg:              r,
		Commits:          commits,
		Rejects:          rejects,
		EventsAppended:   appended,
		CommitLatencySec: latency,
		StoreRetries:     retries,
		Subscribers:      subscribers,
		ResyncsServed:    resyncs,
		ReplayApplied:    replayApplied,
		ReplaySkipped:    replaySkipped,
		SweepsRun:        sweeps,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
