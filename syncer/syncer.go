// Package syncer drains locally-accumulated records to the remote authority
// once connectivity returns: model ratings first, then diagnosis records,
// then a forced usage refresh so the server's reconciled count replaces the
// optimistic local one.
//
// Runs are single-flight. A pass triggered while another is in flight is
// dropped, not queued; every trigger source retries soon enough that a
// dropped pass costs nothing, while overlapping passes would double-submit.
package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/quota"
	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
	"github.com/verdantlab/cropdoc/timing"
)

// SyncRemote is the slice of the remote API the syncer pushes through.
// Satisfied by *remote.Client.
type SyncRemote interface {
	SubmitRating(ctx context.Context, r *remote.RatingSubmission) error
	SubmitDiagnosisRecord(ctx context.Context, d *remote.DiagnosisSubmission) error
}

// UsageRefresher re-pulls the server-authoritative usage view. Satisfied by
// *quota.Tracker.
type UsageRefresher interface {
	FetchUsage(ctx context.Context, forceRefresh bool) (*quota.Usage, error)
}

// ConnectivitySource provides reachability state and transition
// notifications. Satisfied by *connectivity.Monitor.
type ConnectivitySource interface {
	IsConnected() bool
	Subscribe(fn func(connected bool)) func()
}

// Stats summarizes one sync pass.
type Stats struct {
	RatingsSynced   int
	DiagnosesSynced int
	Failures        int
	UsageRefreshed  bool
	Duration        time.Duration
}

// Syncer pushes unsynced local records to the remote authority.
type Syncer struct {
	store  *store.Store
	remote SyncRemote
	usage  UsageRefresher
	conn   ConnectivitySource
	logger logrus.FieldLogger

	running atomic.Bool
	trigger chan string
}

// New creates a syncer. Call Start to wire its triggers.
func New(st *store.Store, rc SyncRemote, usage UsageRefresher, conn ConnectivitySource, logger logrus.FieldLogger) *Syncer {
	return &Syncer{
		store:   st,
		remote:  rc,
		usage:   usage,
		conn:    conn,
		logger:  logger,
		trigger: make(chan string, 1),
	}
}

// Start runs the trigger loop until ctx is canceled. An offline-to-online
// transition with unsynced rows pending triggers a pass, as does Trigger
// (app foregrounded, or SIGUSR1 on the daemon). Returns an unsubscribe func
// for the connectivity listener.
func (s *Syncer) Start(ctx context.Context) func() {
	unsubscribe := s.conn.Subscribe(func(connected bool) {
		if !connected {
			return
		}
		// A count failure triggers anyway; the pass itself re-lists and
		// no-ops when there is nothing to push.
		if pending, err := s.store.CountUnsynced(ctx); err == nil && pending == 0 {
			return
		}
		s.Trigger("connectivity")
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case reason := <-s.trigger:
				if _, err := s.Run(ctx, reason); err != nil {
					s.logger.WithError(err).Error("sync pass failed")
				}
			}
		}
	}()

	return unsubscribe
}

// Trigger requests an asynchronous sync pass. Non-blocking: if a trigger is
// already queued the new one is dropped, the queued pass will pick up the
// same records.
func (s *Syncer) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

// Run executes one synchronous sync pass and returns its stats. Safe to call
// concurrently: if a pass is already in flight the call returns immediately
// with nil stats. A pass while offline is a no-op.
func (s *Syncer) Run(ctx context.Context, reason string) (*Stats, error) {
	if !s.running.CompareAndSwap(false, true) {
		syncSkipped.Inc()
		s.logger.Debug("sync already in flight, skipping")
		return nil, nil
	}
	defer s.running.Store(false)

	if !s.conn.IsConnected() {
		return nil, nil
	}

	start := time.Now()
	stats := &Stats{}

	s.syncRatings(ctx, stats)
	s.syncDiagnoses(ctx, stats)
	s.refreshUsage(ctx, stats)

	stats.Duration = time.Since(start)
	syncRuns.WithLabelValues(reason).Inc()
	if m := timing.MetricsFromContext(ctx); m != nil {
		m.RecordSync(stats.Duration)
	}

	if pending, err := s.store.CountUnsynced(ctx); err == nil {
		pendingItems.Set(float64(pending))
	}

	s.logger.WithFields(logrus.Fields{
		"trigger":   reason,
		"ratings":   stats.RatingsSynced,
		"diagnoses": stats.DiagnosesSynced,
		"failures":  stats.Failures,
		"duration":  stats.Duration.Round(time.Millisecond),
	}).Info("sync pass complete")
	return stats, nil
}

// syncRatings pushes unsynced ratings one record at a time. A rejected
// record is logged and left unsynced for the next pass; it never blocks the
// records behind it.
func (s *Syncer) syncRatings(ctx context.Context, stats *Stats) {
	ratings, err := s.store.ListUnsyncedRatings(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list unsynced ratings")
		stats.Failures++
		return
	}

	var accepted []string
	for _, r := range ratings {
		sub := &remote.RatingSubmission{
			ID:               r.ID,
			ModelID:          r.ModelID,
			Stars:            r.Stars,
			Feedback:         r.Feedback,
			DiagnosisCorrect: r.DiagnosisCorrect,
			CropType:         r.CropType,
			DeviceInfo:       r.DeviceInfo,
			CreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := s.remote.SubmitRating(ctx, sub); err != nil {
			s.logger.WithError(err).WithField("rating_id", r.ID).Warn("rating sync rejected")
			syncErrors.WithLabelValues("rating").Inc()
			stats.Failures++
			continue
		}
		accepted = append(accepted, r.ID)
	}

	if len(accepted) == 0 {
		return
	}
	if err := s.store.MarkRatingsSynced(ctx, accepted); err != nil {
		s.logger.WithError(err).Error("failed to mark ratings synced")
		stats.Failures++
		return
	}
	stats.RatingsSynced = len(accepted)
	syncedItems.WithLabelValues("rating").Add(float64(len(accepted)))
}

func (s *Syncer) syncDiagnoses(ctx context.Context, stats *Stats) {
	diagnoses, err := s.store.ListUnsyncedDiagnoses(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list unsynced diagnoses")
		stats.Failures++
		return
	}

	var accepted []string
	for _, d := range diagnoses {
		sub := &remote.DiagnosisSubmission{
			ID:           d.ID,
			ModelID:      d.ModelID,
			ModelVersion: d.ModelVersion,
			CropID:       d.CropID,
			CropName:     d.CropName,
			DiseaseID:    d.DiseaseID,
			DiseaseName:  d.DiseaseName,
			Confidence:   d.Confidence,
			CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := s.remote.SubmitDiagnosisRecord(ctx, sub); err != nil {
			s.logger.WithError(err).WithField("diagnosis_id", d.ID).Warn("diagnosis sync rejected")
			syncErrors.WithLabelValues("diagnosis").Inc()
			stats.Failures++
			continue
		}
		accepted = append(accepted, d.ID)
	}

	if len(accepted) == 0 {
		return
	}
	if err := s.store.MarkDiagnosesSynced(ctx, accepted); err != nil {
		s.logger.WithError(err).Error("failed to mark diagnoses synced")
		stats.Failures++
		return
	}
	stats.DiagnosesSynced = len(accepted)
	syncedItems.WithLabelValues("diagnosis").Add(float64(len(accepted)))
}

// refreshUsage forces a server pull so the reconciled count replaces any
// optimistic offline increments.
func (s *Syncer) refreshUsage(ctx context.Context, stats *Stats) {
	if _, err := s.usage.FetchUsage(ctx, true); err != nil {
		s.logger.WithError(err).Warn("usage refresh during sync failed")
		syncErrors.WithLabelValues("usage").Inc()
		stats.Failures++
		return
	}
	stats.UsageRefreshed = true
}
