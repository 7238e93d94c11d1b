// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Scenario report statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Reporter collects scenario reports and optionally writes them as JSON
type Reporter struct {
	outputFile string
	logger     *slog.Logger

	mu      sync.Mutex
	reports []*ScenarioReport
}

func NewReporter(outputFile string, logger *slog.Logger) *Reporter {
	return &Reporter{
		outputFile: outputFile,
		logger:     logger,
	}
}

// StartScenario starts tracking a new scenario
func (r *Reporter) StartScenario(name, description string) *ScenarioReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := &ScenarioReport{
		Name:        name,
		Description: description,
		StartTime:   time.Now(),
		Status:      StatusRunning,
		Metrics:     make(map[string]any),
	}
	r.reports = append(r.reports, report)
	return report
}

// Reports returns copies of all reports in start order
func (r *Reporter) Reports() []ScenarioReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScenarioReport, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep.snapshot())
	}
	return out
}

// Close writes the final report if an output file is configured
func (r *Reporter) Close() error {
	if r.outputFile == "" {
		return nil
	}
	reports := r.Reports()
	final := FinalReport{
		GeneratedAt:    time.Now(),
		TotalScenarios: len(reports),
		Scenarios:      reports,
	}
	for _, rep := range reports {
		switch rep.Status {
		case StatusSuccess:
			final.SuccessfulRuns++
		case StatusFailed:
			final.FailedRuns++
		}
		final.TotalDuration += rep.Duration
	}

	data, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(r.outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	r.logger.Info("Report written",
		"file", r.outputFile,
		"scenarios", final.TotalScenarios,
		"successful", final.SuccessfulRuns,
		"failed", final.FailedRuns)
	return nil
}

// ScenarioReport tracks the outcome of a single scenario. It is written only by the
// goroutine running that scenario.
type ScenarioReport struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Duration    time.Duration  `json:"duration"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics"`
}

func (sr *ScenarioReport) SetDuration(duration time.Duration) {
	sr.Duration = duration
	sr.EndTime = sr.StartTime.Add(duration)
}

func (sr *ScenarioReport) SetSuccess() {
	sr.Status = StatusSuccess
}

func (sr *ScenarioReport) SetError(err error) {
	sr.Status = StatusFailed
	sr.Error = err.Error()
}

// AddMetric records a scenario-specific value in the report
func (sr *ScenarioReport) AddMetric(key string, value any) {
	sr.Metrics[key] = value
}

func (sr *ScenarioReport) snapshot() ScenarioReport {
	metrics := make(map[string]any, len(sr.Metrics))
	for k, v := range sr.Metrics {
		metrics[k] = v
	}
	return ScenarioReport{
		Name:        sr.Name,
		Description: sr.Description,
		StartTime:   sr.StartTime,
		EndTime:     sr.EndTime,
		Duration:    sr.Duration,
		Status:      sr.Status,
		Error:       sr.Error,
		Metrics:     metrics,
	}
}

// FinalReport is the JSON document written by Close
type FinalReport struct {
	GeneratedAt    time.Time        `json:"generated_at"`
	TotalScenarios int              `json:"total_scenarios"`
	SuccessfulRuns int              `json:"successful_runs"`
	FailedRuns     int              `json:"failed_runs"`
	TotalDuration  time.Duration    `json:"total_duration"`
	Scenarios      []ScenarioReport `json:"scenarios"`
}
