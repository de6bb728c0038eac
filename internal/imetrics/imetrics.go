// Package imetrics supports recording and submission of internal metrics from Endoscope
package imetrics

import "time"

// Config options for the internal metrics
type Config struct {
	// Textfile where the metrics are written at the end of the run, in the Prometheus text
	// format, e.g. for the node_exporter textfile collector. Disabled if empty.
	Textfile string `yaml:"textfile,omitempty" env:"ENDOSCOPE_INTERNAL_METRICS_TEXTFILE"`
}

// Reporter of internal metrics
type Reporter interface {
	// ArtifactResolved is invoked after each probe lookup. Result is "success" or the failure cause.
	ArtifactResolved(result string)
	// InjectionAttempted is invoked every time a strategy is invoked, for the given mode
	InjectionAttempted(strategy, mode string)
	// InjectionFinished is invoked once the outcome of an injection is known
	InjectionFinished(strategy, result string, elapsed time.Duration)
	// Flush persists the recorded metrics
	Flush() error
}

// NoopReporter is a metrics Reporter that just does nothing
type NoopReporter struct{}

func (n NoopReporter) ArtifactResolved(_ string)                      {}
func (n NoopReporter) InjectionAttempted(_, _ string)                 {}
func (n NoopReporter) InjectionFinished(_, _ string, _ time.Duration) {}
func (n NoopReporter) Flush() error                                   { return nil }
