package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AnalysesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_submitted_total", Help: "Total analyses submitted"})
	AnalysesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_completed_total", Help: "Analyses that finished with every stage succeeding"})
	AnalysesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_failed_total", Help: "Analyses that ended in failure"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analyses_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	StageSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_stages_completed_total", Help: "Stage executions that produced a result"}, []string{"stage"})
	StageFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_stages_failed_total", Help: "Stage executions that failed or timed out"}, []string{"stage"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_tasks_inflight", Help: "Units of work currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AnalysesSubmitted,
			AnalysesCompleted,
			AnalysesFailed,
			RateLimitRejects,
			StageSuccess,
			StageFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
