// Package tracking records every analysis as an experiment run: parameters,
// metrics, caption and detection documents, and the rendered image.
// Recording is best effort; failures are logged and never reach the caller.
package tracking

import (
	"context"
	"time"
)

// Status is the terminal state of a run
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// Sink persists run data. Implementations must be safe for concurrent use
// by independent runs.
type Sink interface {
	StartRun(ctx context.Context, experiment, name string, start time.Time) (string, error)
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64, ts time.Time) error
	// LogArtifact copies the file at localPath into the run under category.
	// The file may be removed as soon as the call returns.
	LogArtifact(ctx context.Context, runID, localPath, category string) error
	EndRun(ctx context.Context, runID string, status Status, end time.Time) error
	Close() error
}

// RunRecord is a stored run as listed by a RunLister
type RunRecord struct {
	ID         string             `json:"id"`
	Experiment string             `json:"experiment"`
	Name       string             `json:"name"`
	Status     Status             `json:"status"`
	Start      time.Time          `json:"start"`
	End        *time.Time         `json:"end,omitempty"`
	Params     map[string]string  `json:"params,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Artifacts  []string           `json:"artifacts,omitempty"`
}

// RunLister is implemented by sinks that can read their runs back
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) StartRun(context.Context, string, string, time.Time) (string, error) {
	return "nop", nil
}
func (NopSink) LogParams(context.Context, string, map[string]string) error { return nil }
func (NopSink) LogMetrics(context.Context, string, map[string]float64, time.Time) error {
	return nil
}
func (NopSink) LogArtifact(context.Context, string, string, string) error { return nil }
func (NopSink) EndRun(context.Context, string, Status, time.Time) error   { return nil }
func (NopSink) Close() error                                              { return nil }
