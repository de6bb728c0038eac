package imetrics

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/endoscope/pkg/buildinfo"
)

// injectionDurations buckets, in seconds. Preload confirmation and debugger-driven injections
// take from milliseconds up to the confirmation timeout.
var injectionDurations = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusReporter is an internal metrics Reporter that writes a Prometheus textfile
type PrometheusReporter struct {
	textfile            string
	registry            *prometheus.Registry
	artifactResolutions *prometheus.CounterVec
	injectionAttempts   *prometheus.CounterVec
	injectionResults    *prometheus.CounterVec
	injectionDuration   *prometheus.HistogramVec
	buildInfo           prometheus.Gauge
}

func NewPrometheusReporter(cfg *Config) *PrometheusReporter {
	pr := &PrometheusReporter{
		textfile: cfg.Textfile,
		registry: prometheus.NewRegistry(),
		artifactResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endoscope_artifact_resolutions_total",
			Help: "probe artifact lookups, by result",
		}, []string{"result"}),
		injectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endoscope_injection_attempts_total",
			Help: "invocations of an injection strategy",
		}, []string{"strategy", "mode"}),
		injectionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "endoscope_injection_results_total",
			Help: "outcomes of the injection attempts, by result",
		}, []string{"strategy", "result"}),
		injectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endoscope_injection_duration_seconds",
			Help:    "time from the invocation of a strategy to its outcome",
			Buckets: injectionDurations,
		}, []string{"strategy"}),
		buildInfo: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "endoscope_internal_build_info",
			Help: "A metric with a constant '1' value labeled by version, revision, " +
				"goversion, goos and goarch during build.",
			ConstLabels: map[string]string{
				"goarch":    runtime.GOARCH,
				"goos":      runtime.GOOS,
				"goversion": runtime.Version(),
				"version":   buildinfo.Version,
				"revision":  buildinfo.Revision,
			},
		}),
	}
	pr.buildInfo.Set(1)
	pr.registry.MustRegister(
		pr.buildInfo,
		pr.artifactResolutions,
		pr.injectionAttempts,
		pr.injectionResults,
		pr.injectionDuration)

	return pr
}

func (p *PrometheusReporter) ArtifactResolved(result string) {
	p.artifactResolutions.WithLabelValues(result).Inc()
}

func (p *PrometheusReporter) InjectionAttempted(strategy, mode string) {
	p.injectionAttempts.WithLabelValues(strategy, mode).Inc()
}

func (p *PrometheusReporter) InjectionFinished(strategy, result string, elapsed time.Duration) {
	p.injectionResults.WithLabelValues(strategy, result).Inc()
	p.injectionDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// Flush writes the metrics atomically into the configured textfile
func (p *PrometheusReporter) Flush() error {
	if err := prometheus.WriteToTextfile(p.textfile, p.registry); err != nil {
		return fmt.Errorf("writing internal metrics to %s: %w", p.textfile, err)
	}
	return nil
}
