// Package metrics defines the Recorder used by the orchestrator to expose
// run-level telemetry, with a Prometheus implementation and a no-op default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

// Recorder receives pipeline telemetry.
type Recorder interface {
	// StageDuration records how long one stage of a job took.
	StageDuration(jobName, stage string, d time.Duration)
	// StageStatus counts one stage completion by outcome.
	StageStatus(jobName, stage, status string)
	// RowsWritten counts rows written to a target table.
	RowsWritten(jobName, stage string, n int64)
	// RowsDropped counts rows removed by a data quality rule.
	RowsDropped(jobName, rule string, n int64)
}

// NoopRecorder discards all telemetry.
type NoopRecorder struct{}

func (NoopRecorder) StageDuration(string, string, time.Duration) {}
func (NoopRecorder) StageStatus(string, string, string)          {}
func (NoopRecorder) RowsWritten(string, string, int64)           {}
func (NoopRecorder) RowsDropped(string, string, int64)           {}

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	stageDuration *prometheus.HistogramVec
	stageStatus   *prometheus.CounterVec
	rowsWritten   *prometheus.CounterVec
	rowsDropped   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors on reg and returns the
// recorder. Pass prometheus.DefaultRegisterer outside of tests.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stratum_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job", "stage"}),
		stageStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stratum_stage_total",
			Help: "Stage completions by outcome.",
		}, []string{"job", "stage", "status"}),
		rowsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stratum_rows_written_total",
			Help: "Rows written to target tables.",
		}, []string{"job", "stage"}),
		rowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stratum_rows_dropped_total",
			Help: "Rows dropped by data quality rules.",
		}, []string{"job", "rule"}),
	}
}

func (r *PrometheusRecorder) StageDuration(jobName, stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(jobName, stage).Observe(d.Seconds())
}

func (r *PrometheusRecorder) StageStatus(jobName, stage, status string) {
	r.stageStatus.WithLabelValues(jobName, stage, status).Inc()
}

func (r *PrometheusRecorder) RowsWritten(jobName, stage string, n int64) {
	r.rowsWritten.WithLabelValues(jobName, stage).Add(float64(n))
}

func (r *PrometheusRecorder) RowsDropped(jobName, rule string, n int64) {
	r.rowsDropped.WithLabelValues(jobName, rule).Add(float64(n))
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Infof("Metrics endpoint listening on %s.", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warnf("Metrics endpoint stopped: %v", err)
		}
	}()
}
