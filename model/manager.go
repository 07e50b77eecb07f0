// Package model implements the versioned on-device model lifecycle: checking
// the remote authority for a newer artifact, downloading and
// integrity-verifying the weights and config files, and atomically swapping
// the installed artifact so a crash mid-install never leaves the store
// pointing at deleted files.
//
// The install ordering is the load-bearing part:
//
//  1. Both files are streamed into the model directory under the new model's
//     id (the previous generation's files are untouched).
//  2. Content hashes are compared against the server-declared values. A
//     mismatch aborts the install unless Config.AllowChecksumMismatch
//     reproduces the legacy lenient behavior; either way it is logged at
//     Error level.
//  3. The artifact slot is replaced in a single transaction.
//  4. Only after that commit are the superseded generation's files deleted.
//
// A crash between steps 3 and 4 leaves both file generations on disk with the
// slot pointing at the new one; SweepOrphans reclaims the leftovers later.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/inference"
	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
	"github.com/verdantlab/cropdoc/timing"
)

var (
	// ErrNotInstalled indicates that no model artifact has been installed yet.
	ErrNotInstalled = errors.New("no model installed")

	// ErrChecksumMismatch indicates a downloaded file's content hash disagreed
	// with the server-declared hash.
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")
)

// MetadataSource fetches published-model metadata. Satisfied by *remote.Client.
type MetadataSource interface {
	LatestModel(ctx context.Context) (*remote.ModelMetadata, error)
}

// Fetcher streams an artifact file to disk. Satisfied by *remote.ArtifactFetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) (*remote.FetchResult, error)
}

// ConnectivityChecker reports last-known reachability. Satisfied by
// *connectivity.Monitor.
type ConnectivityChecker interface {
	IsConnected() bool
}

// Config holds lifecycle manager configuration.
type Config struct {
	// Dir is the dedicated model directory holding exactly one weights file
	// and one config file at a time, named by model id.
	Dir string

	// AllowChecksumMismatch reproduces the legacy lenient behavior: a hash
	// mismatch is logged but does not abort the install. Off by default;
	// verification is a hard gate.
	AllowChecksumMismatch bool
}

// Manager owns the installed model artifact and the local rating log.
type Manager struct {
	store    *store.Store
	metadata MetadataSource
	fetcher  Fetcher
	conn     ConnectivityChecker
	cfg      Config
	logger   logrus.FieldLogger
}

// New creates a lifecycle manager. The model directory is created if absent.
func New(st *store.Store, metadata MetadataSource, fetcher Fetcher, conn ConnectivityChecker, cfg Config, logger logrus.FieldLogger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &Manager{
		store:    st,
		metadata: metadata,
		fetcher:  fetcher,
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// CheckForUpdates asks the remote authority for the latest published model
// and installs it if it differs from the installed one. Returns true only
// when a new model was installed.
//
// Offline is a no-op. Network and verification failures are logged and
// surfaced as false; the daemon retries on its next interval. Store
// failures propagate.
func (m *Manager) CheckForUpdates(ctx context.Context) (bool, error) {
	if !m.conn.IsConnected() {
		return false, nil
	}

	current, err := m.store.CurrentModelArtifact()
	if err != nil {
		return false, err
	}

	meta, err := m.metadata.LatestModel(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("model update check failed, skipping")
		return false, nil
	}

	if current != nil && current.ModelID == meta.ModelID {
		return false, nil
	}

	files, err := m.fetchVerified(ctx, meta)
	if err != nil {
		m.logger.WithError(err).WithField("model_id", meta.ModelID).Warn("model download failed, skipping update")
		return false, nil
	}

	if err := m.install(meta, files); err != nil {
		return false, err
	}
	return true, nil
}

// Download fetches, verifies, and installs the artifact described by meta.
// Exposed for callers that already hold metadata (e.g. a forced reinstall);
// CheckForUpdates is the usual entry point.
func (m *Manager) Download(ctx context.Context, meta *remote.ModelMetadata) error {
	files, err := m.fetchVerified(ctx, meta)
	if err != nil {
		return err
	}
	return m.install(meta, files)
}

// fetchedFiles carries the verified on-disk results of both downloads.
type fetchedFiles struct {
	weights *remote.FetchResult
	config  *remote.FetchResult
}

func (m *Manager) fetchVerified(ctx context.Context, meta *remote.ModelMetadata) (*fetchedFiles, error) {
	logger := m.logger.WithFields(logrus.Fields{
		"model_id": meta.ModelID,
		"version":  meta.Version,
	})
	logger.Info("downloading model artifact")
	dlStart := time.Now()

	weightsPath := filepath.Join(m.cfg.Dir, meta.ModelID+".weights")
	configPath := filepath.Join(m.cfg.Dir, meta.ModelID+".json")

	cleanup := func() {
		os.Remove(weightsPath)
		os.Remove(configPath)
	}

	weights, err := m.fetcher.Fetch(ctx, meta.WeightsURL, weightsPath)
	if err != nil {
		return nil, fmt.Errorf("weights download failed: %w", err)
	}
	if err := m.verifyChecksum(logger, "weights", weights.SHA256, meta.WeightsSHA256); err != nil {
		cleanup()
		return nil, err
	}

	config, err := m.fetcher.Fetch(ctx, meta.ConfigURL, configPath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("config download failed: %w", err)
	}
	if err := m.verifyChecksum(logger, "config", config.SHA256, meta.ConfigSHA256); err != nil {
		cleanup()
		return nil, err
	}

	// The config must at least parse; installing an unreadable config would
	// break every local diagnosis until the next update.
	if _, err := inference.LoadConfig(configPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("downloaded config is unusable: %w", err)
	}

	if sm := timing.MetricsFromContext(ctx); sm != nil {
		sm.RecordDownload(time.Since(dlStart))
	}
	return &fetchedFiles{weights: weights, config: config}, nil
}

// verifyChecksum compares a computed hash against the server-declared one.
// Declared-empty hashes are accepted (the server did not publish one).
func (m *Manager) verifyChecksum(logger logrus.FieldLogger, kind, got, want string) error {
	if want == "" || strings.EqualFold(got, want) {
		return nil
	}

	logger.WithFields(logrus.Fields{
		"file":     kind,
		"expected": want,
		"actual":   got,
	}).Error("artifact checksum mismatch")

	if m.cfg.AllowChecksumMismatch {
		return nil
	}
	return fmt.Errorf("%s %w: expected %s, got %s", kind, ErrChecksumMismatch, want, got)
}

// install commits the slot swap and then deletes the superseded generation's
// files. Deletion failures are logged, not returned: the swap has already
// committed and SweepOrphans will reclaim the leftovers.
func (m *Manager) install(meta *remote.ModelMetadata, files *fetchedFiles) error {
	now := time.Now()
	artifact := &store.ModelArtifact{
		ModelID:       meta.ModelID,
		Version:       meta.Version,
		WeightsSize:   files.weights.SizeBytes,
		WeightsSHA256: files.weights.SHA256,
		ConfigSize:    files.config.SizeBytes,
		ConfigSHA256:  files.config.SHA256,
		Accuracy:      meta.Accuracy,
		WeightsPath:   files.weights.LocalPath,
		ConfigPath:    files.config.LocalPath,
		InstalledAt:   now,
	}

	prev, err := m.store.ReplaceModelArtifact(artifact)
	if err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"model_id": artifact.ModelID,
		"version":  artifact.Version,
	}).Info("model installed")

	if prev != nil {
		for _, path := range []string{prev.WeightsPath, prev.ConfigPath} {
			if path == "" || path == artifact.WeightsPath || path == artifact.ConfigPath {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.WithError(err).WithField("path", path).Warn("failed to remove superseded model file")
			}
		}
	}
	return nil
}

// Current returns the installed model artifact, or nil if none.
func (m *Manager) Current() (*store.ModelArtifact, error) {
	return m.store.CurrentModelArtifact()
}

// FilePaths returns the installed model's weights and config paths.
// Returns ErrNotInstalled when no model is installed.
func (m *Manager) FilePaths() (weightsPath, configPath string, err error) {
	a, err := m.store.CurrentModelArtifact()
	if err != nil {
		return "", "", err
	}
	if a == nil {
		return "", "", ErrNotInstalled
	}
	return a.WeightsPath, a.ConfigPath, nil
}

// SaveRating records a model quality rating locally. Always succeeds
// regardless of connectivity: the rating is inserted unsynced and drained by
// the sync orchestrator later. Assigns a ULID when the rating carries no id.
// Returns the rating's id.
func (m *Manager) SaveRating(ctx context.Context, r *store.ModelRating) (string, error) {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	r.Synced = false
	if err := m.store.InsertModelRating(ctx, r); err != nil {
		return "", err
	}
	m.logger.WithFields(logrus.Fields{
		"rating_id": r.ID,
		"model_id":  r.ModelID,
		"stars":     r.Stars,
	}).Info("model rating saved")
	return r.ID, nil
}

// UnsyncedRatings lists ratings awaiting remote acknowledgement. Used
// exclusively by the sync orchestrator.
func (m *Manager) UnsyncedRatings(ctx context.Context) ([]*store.ModelRating, error) {
	return m.store.ListUnsyncedRatings(ctx)
}

// MarkRatingsSynced flips the synced flag after confirmed remote acceptance.
func (m *Manager) MarkRatingsSynced(ctx context.Context, ids []string) error {
	return m.store.MarkRatingsSynced(ctx, ids)
}

// sweepTmpAge is how old a .tmp file must be before the sweep reclaims it;
// younger ones may belong to an in-flight download.
const sweepTmpAge = 1 * time.Hour

// SweepOrphans removes files in the model directory that belong to no
// installed artifact: superseded generations whose deletion was interrupted,
// and stale temp files from aborted downloads.
func (m *Manager) SweepOrphans() error {
	current, err := m.store.CurrentModelArtifact()
	if err != nil {
		return err
	}

	keep := map[string]bool{}
	if current != nil {
		keep[current.WeightsPath] = true
		keep[current.ConfigPath] = true
	}

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read model directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(m.cfg.Dir, e.Name())
		if keep[path] {
			continue
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			info, err := e.Info()
			if err != nil || time.Since(info.ModTime()) < sweepTmpAge {
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			m.logger.WithError(err).WithField("path", path).Warn("failed to sweep orphaned model file")
			continue
		}
		m.logger.WithField("path", path).Info("swept orphaned model file")
	}
	return nil
}
