// Package timing provides lightweight operation timing helpers used around
// downloads, inference runs, and sync passes.
package timing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// SessionMetrics accumulates phase timings across one daemon session.
type SessionMetrics struct {
	mu sync.Mutex

	ModelCheckDuration time.Duration
	DownloadDuration   time.Duration
	InferenceDuration  time.Duration
	SyncDuration       time.Duration

	InferenceCount int
	SyncCount      int
}

// NewSessionMetrics creates a new metrics tracker.
func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{}
}

// RecordInference records one on-device inference run.
func (m *SessionMetrics) RecordInference(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InferenceDuration += duration
	m.InferenceCount++
}

// RecordSync records one sync pass.
func (m *SessionMetrics) RecordSync(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncDuration += duration
	m.SyncCount++
}

// RecordDownload records a model download.
func (m *SessionMetrics) RecordDownload(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DownloadDuration += duration
}

// RecordModelCheck records an update check against the remote authority.
func (m *SessionMetrics) RecordModelCheck(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModelCheckDuration += duration
}

// Snapshot returns a copy of the accumulated metrics.
func (m *SessionMetrics) Snapshot() SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionMetrics{
		ModelCheckDuration: m.ModelCheckDuration,
		DownloadDuration:   m.DownloadDuration,
		InferenceDuration:  m.InferenceDuration,
		SyncDuration:       m.SyncDuration,
		InferenceCount:     m.InferenceCount,
		SyncCount:          m.SyncCount,
	}
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *SessionMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *SessionMetrics {
	m, _ := ctx.Value(contextKey{}).(*SessionMetrics)
	return m
}
