/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errortracking is the in-process error sink: engines report
// failures here instead of crashing, and the sink classifies, windows, and
// raises threshold alerts. Alerts are edge-triggered: one per crossing, not
// one per error.
package errortracking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fleetops/dispatch/pkg/events"
	"github.com/fleetops/dispatch/pkg/metrics"
)

// Entry is one tracked error.
type Entry struct {
	Timestamp time.Time
	Category  Category
	Severity  Severity
	Source    string
	Message   string
	Detail    map[string]any
}

// Alert names, stable strings for operator tooling.
const (
	AlertHighErrorRate     = "HIGH_ERROR_RATE"
	AlertCriticalThreshold = "CRITICAL_ERROR_THRESHOLD"
	AlertConsecutiveErrors = "CONSECUTIVE_ERRORS"
)

// Config carries the alert thresholds.
type Config struct {
	// Capacity bounds the in-memory ring.
	Capacity int
	// Retention drops entries older than this during cleanup.
	Retention time.Duration
	// HighRatePerMinute fires HIGH_ERROR_RATE when the 5-minute window
	// averages above this many errors per minute.
	HighRatePerMinute float64
	// CriticalPerHour fires CRITICAL_ERROR_THRESHOLD at this many critical
	// errors within an hour.
	CriticalPerHour int
	// ConsecutiveCount and ConsecutiveWithin fire CONSECUTIVE_ERRORS when
	// the last ConsecutiveCount errors all landed within the window.
	ConsecutiveCount  int
	ConsecutiveWithin time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:          1000,
		Retention:         24 * time.Hour,
		HighRatePerMinute: 10,
		CriticalPerHour:   5,
		ConsecutiveCount:  20,
		ConsecutiveWithin: time.Minute,
	}
}

// Sink collects classified errors and evaluates alert thresholds on every
// report.
type Sink struct {
	recorder events.Recorder
	clock    clock.Clock
	cfg      Config
	log      *zap.SugaredLogger

	mu      sync.Mutex
	entries []Entry
	// firing tracks which alerts are currently above threshold so each
	// crossing publishes exactly once.
	firing map[string]bool
}

func NewSink(recorder events.Recorder, clk clock.Clock, cfg Config, log *zap.SugaredLogger) *Sink {
	return &Sink{
		recorder: recorder,
		clock:    clk,
		cfg:      cfg,
		log:      log.Named("errortracking"),
		firing:   map[string]bool{},
	}
}

// Track records one error. Classification is automatic; source names the
// reporting engine.
func (s *Sink) Track(source string, err error, detail map[string]any) {
	if err == nil {
		return
	}
	category, severity := Classify(err)
	now := s.clock.Now()
	entry := Entry{
		Timestamp: now,
		Category:  category,
		Severity:  severity,
		Source:    source,
		Message:   err.Error(),
		Detail:    detail,
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.cfg.Capacity {
		s.entries = s.entries[len(s.entries)-s.cfg.Capacity:]
	}
	alerts := s.evaluateLocked(now)
	s.mu.Unlock()

	metrics.ErrorsTrackedTotal.WithLabelValues(string(category), string(severity)).Inc()
	s.recorder.Publish(events.Event{
		Kind: events.ErrorTracked, Timestamp: now,
		Reason: string(category),
		Detail: map[string]any{"severity": severity, "source": source, "message": entry.Message},
	})
	s.log.Warnw("error tracked",
		"category", category, "severity", severity, "source", source, "error", err)

	for _, alert := range alerts {
		metrics.AlertsTotal.WithLabelValues(alert).Inc()
		s.recorder.Publish(events.Event{
			Kind: events.Alert, Timestamp: now, Reason: alert,
		})
		s.log.Errorw("error threshold alert", "alert", alert)
	}
}

// WindowStats is the error count breakdown inside one lookback window.
type WindowStats struct {
	Window     time.Duration
	Total      int
	ByCategory map[Category]int
	BySeverity map[Severity]int
}

// Stats summarizes the 5-minute, 1-hour, and 24-hour windows.
func (s *Sink) Stats() []WindowStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make([]WindowStats, 0, 3)
	for _, window := range []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour} {
		ws := WindowStats{
			Window:     window,
			ByCategory: map[Category]int{},
			BySeverity: map[Severity]int{},
		}
		cutoff := now.Add(-window)
		for _, e := range s.entries {
			if e.Timestamp.Before(cutoff) {
				continue
			}
			ws.Total++
			ws.ByCategory[e.Category]++
			ws.BySeverity[e.Severity]++
		}
		out = append(out, ws)
	}
	return out
}

// Recent returns up to n most recent entries, newest last.
func (s *Sink) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// Run drives the periodic retention cleanup until the context ends.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := s.Cleanup(); dropped > 0 {
				s.log.Debugw("expired error entries dropped", "count", dropped)
			}
		}
	}
}

// Cleanup drops entries older than the retention window and returns how
// many were removed.
func (s *Sink) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	keep := s.entries[:0]
	for _, e := range s.entries {
		if !e.Timestamp.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	dropped := len(s.entries) - len(keep)
	s.entries = keep
	return dropped
}

// evaluateLocked returns the alerts that just crossed their threshold.
// Must be called with s.mu held.
func (s *Sink) evaluateLocked(now time.Time) []string {
	var crossed []string
	check := func(name string, above bool) {
		if above && !s.firing[name] {
			crossed = append(crossed, name)
		}
		s.firing[name] = above
	}

	var last5m, critical1h int
	for _, e := range s.entries {
		if !e.Timestamp.Before(now.Add(-5 * time.Minute)) {
			last5m++
		}
		if e.Severity == SeverityCritical && !e.Timestamp.Before(now.Add(-time.Hour)) {
			critical1h++
		}
	}
	check(AlertHighErrorRate, float64(last5m)/5 > s.cfg.HighRatePerMinute)
	check(AlertCriticalThreshold, critical1h >= s.cfg.CriticalPerHour)

	consecutive := false
	if len(s.entries) >= s.cfg.ConsecutiveCount {
		tail := s.entries[len(s.entries)-s.cfg.ConsecutiveCount:]
		consecutive = !tail[0].Timestamp.Before(now.Add(-s.cfg.ConsecutiveWithin))
	}
	check(AlertConsecutiveErrors, consecutive)

	return crossed
}
