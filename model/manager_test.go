package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
)

const validConfigJSON = `{
	"input_width": 4,
	"input_height": 4,
	"channels": 3,
	"mean": [0, 0, 0],
	"std": [1, 1, 1],
	"classes": [{"index": 0, "disease_id": "healthy", "name": "Healthy", "label": "healthy"}]
}`

// fakeMetadata serves a scripted LatestModel response.
type fakeMetadata struct {
	meta  *remote.ModelMetadata
	err   error
	calls int
}

func (f *fakeMetadata) LatestModel(ctx context.Context) (*remote.ModelMetadata, error) {
	f.calls++
	return f.meta, f.err
}

// fakeFetcher writes canned bytes per URL and reports their true hash.
type fakeFetcher struct {
	files map[string][]byte
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, destPath string) (*remote.FetchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	content, ok := f.files[url]
	if !ok {
		return nil, errors.New("no such artifact: " + url)
	}
	if err := os.WriteFile(destPath, content, 0o644); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	return &remote.FetchResult{
		LocalPath: destPath,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(content)),
	}, nil
}

type fakeConn struct{ connected bool }

func (f *fakeConn) IsConnected() bool { return f.connected }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Dir = t.TempDir()
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// metadataFor builds metadata matching the fetcher's canned file contents.
func metadataFor(modelID, version string, weights, config []byte) (*remote.ModelMetadata, *fakeFetcher) {
	weightsURL := "https://cdn.test/" + modelID + ".weights"
	configURL := "https://cdn.test/" + modelID + ".json"
	meta := &remote.ModelMetadata{
		ModelID:       modelID,
		Version:       version,
		Accuracy:      0.91,
		WeightsURL:    weightsURL,
		WeightsSize:   int64(len(weights)),
		WeightsSHA256: sha256Hex(weights),
		ConfigURL:     configURL,
		ConfigSize:    int64(len(config)),
		ConfigSHA256:  sha256Hex(config),
	}
	fetcher := &fakeFetcher{files: map[string][]byte{
		weightsURL: weights,
		configURL:  config,
	}}
	return meta, fetcher
}

func newTestManager(t *testing.T, st *store.Store, md MetadataSource, f Fetcher, conn ConnectivityChecker, cfg Config) *Manager {
	t.Helper()

	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := New(st, md, f, conn, cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// TestCheckForUpdates_Offline verifies an offline device never reaches the
// remote authority.
func TestCheckForUpdates_Offline(t *testing.T) {
	st := openTestStore(t)
	md := &fakeMetadata{}
	m := newTestManager(t, st, md, &fakeFetcher{}, &fakeConn{connected: false}, Config{})

	installed, err := m.CheckForUpdates(context.Background())
	if err != nil || installed {
		t.Fatalf("CheckForUpdates offline = %v, %v", installed, err)
	}
	if md.calls != 0 {
		t.Fatal("metadata fetched while offline")
	}
}

// TestCheckForUpdates_RemoteFailureIsNotFatal verifies a failed update check
// surfaces as no-update rather than an error.
func TestCheckForUpdates_RemoteFailureIsNotFatal(t *testing.T) {
	st := openTestStore(t)
	md := &fakeMetadata{err: errors.New("503")}
	m := newTestManager(t, st, md, &fakeFetcher{}, &fakeConn{connected: true}, Config{})

	installed, err := m.CheckForUpdates(context.Background())
	if err != nil || installed {
		t.Fatalf("CheckForUpdates = %v, %v, want false, nil", installed, err)
	}
}

// TestCheckForUpdates_InstallsNewModel covers the full first-install path:
// download, verify, slot swap, files on disk.
func TestCheckForUpdates_InstallsNewModel(t *testing.T) {
	st := openTestStore(t)
	meta, fetcher := metadataFor("m1", "1.0", []byte("weights-bytes"), []byte(validConfigJSON))
	m := newTestManager(t, st, &fakeMetadata{meta: meta}, fetcher, &fakeConn{connected: true}, Config{})

	installed, err := m.CheckForUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckForUpdates: %v", err)
	}
	if !installed {
		t.Fatal("expected a new model to be installed")
	}

	current, err := m.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current == nil || current.ModelID != "m1" || current.WeightsSHA256 != meta.WeightsSHA256 {
		t.Fatalf("installed artifact wrong: %+v", current)
	}
	for _, p := range []string{current.WeightsPath, current.ConfigPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("installed file missing: %v", err)
		}
	}
}

// TestCheckForUpdates_SameModelIsNoop verifies no re-download when the
// installed id matches the published one.
func TestCheckForUpdates_SameModelIsNoop(t *testing.T) {
	st := openTestStore(t)
	meta, fetcher := metadataFor("m1", "1.0", []byte("weights-bytes"), []byte(validConfigJSON))
	m := newTestManager(t, st, &fakeMetadata{meta: meta}, fetcher, &fakeConn{connected: true}, Config{})

	if _, err := m.CheckForUpdates(context.Background()); err != nil {
		t.Fatalf("first CheckForUpdates: %v", err)
	}
	installed, err := m.CheckForUpdates(context.Background())
	if err != nil || installed {
		t.Fatalf("second CheckForUpdates = %v, %v, want false, nil", installed, err)
	}
}

// TestInstall_InterruptedBeforeCleanupKeepsBothGenerations verifies the
// install ordering: the slot swap is a single committed step, so a process
// dying before the superseded files are removed leaves the new model
// installed and both file generations on disk for a later sweep.
func TestInstall_InterruptedBeforeCleanupKeepsBothGenerations(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	meta1, fetcher1 := metadataFor("m1", "1.0", []byte("weights-one"), []byte(validConfigJSON))
	m := newTestManager(t, st, &fakeMetadata{meta: meta1}, fetcher1, &fakeConn{connected: true}, Config{Dir: dir})
	if _, err := m.CheckForUpdates(ctx); err != nil {
		t.Fatalf("install m1: %v", err)
	}
	first, _ := m.Current()

	// Replay the second install up to and including the slot commit, then
	// stop, as a crash between commit and cleanup would.
	meta2, fetcher2 := metadataFor("m2", "2.0", []byte("weights-two"), []byte(validConfigJSON))
	m = newTestManager(t, st, &fakeMetadata{meta: meta2}, fetcher2, &fakeConn{connected: true}, Config{Dir: dir})
	files, err := m.fetchVerified(ctx, meta2)
	if err != nil {
		t.Fatalf("fetchVerified: %v", err)
	}
	if _, err := st.ReplaceModelArtifact(&store.ModelArtifact{
		ModelID:     meta2.ModelID,
		Version:     meta2.Version,
		WeightsPath: files.weights.LocalPath,
		ConfigPath:  files.config.LocalPath,
		InstalledAt: time.Now(),
	}); err != nil {
		t.Fatalf("ReplaceModelArtifact: %v", err)
	}

	current, err := m.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current == nil || current.ModelID != "m2" {
		t.Fatalf("current model = %+v, want m2", current)
	}
	for _, path := range []string{first.WeightsPath, first.ConfigPath, current.WeightsPath, current.ConfigPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("generation file missing after interrupted install: %s: %v", path, err)
		}
	}

	// The sweep is the recovery path: it reclaims the superseded files and
	// spares the installed generation.
	if err := m.SweepOrphans(); err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if _, err := os.Stat(first.WeightsPath); !os.IsNotExist(err) {
		t.Fatalf("superseded weights not reclaimed: %v", err)
	}
	if _, err := os.Stat(current.WeightsPath); err != nil {
		t.Fatalf("installed weights swept: %v", err)
	}
}

// TestCheckForUpdates_ReplaceDeletesSupersededFiles verifies the previous
// generation's files are removed only after the new slot is committed.
func TestCheckForUpdates_ReplaceDeletesSupersededFiles(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()

	meta1, fetcher1 := metadataFor("m1", "1.0", []byte("weights-one"), []byte(validConfigJSON))
	m := newTestManager(t, st, &fakeMetadata{meta: meta1}, fetcher1, &fakeConn{connected: true}, Config{Dir: dir})
	if _, err := m.CheckForUpdates(context.Background()); err != nil {
		t.Fatalf("install m1: %v", err)
	}
	first, _ := m.Current()

	meta2, fetcher2 := metadataFor("m2", "2.0", []byte("weights-two"), []byte(validConfigJSON))
	m = newTestManager(t, st, &fakeMetadata{meta: meta2}, fetcher2, &fakeConn{connected: true}, Config{Dir: dir})
	installed, err := m.CheckForUpdates(context.Background())
	if err != nil || !installed {
		t.Fatalf("install m2 = %v, %v", installed, err)
	}

	current, _ := m.Current()
	if current.ModelID != "m2" {
		t.Fatalf("current model = %s, want m2", current.ModelID)
	}
	if _, err := os.Stat(first.WeightsPath); !os.IsNotExist(err) {
		t.Fatalf("superseded weights still present: %v", err)
	}
	if _, err := os.Stat(current.WeightsPath); err != nil {
		t.Fatalf("new weights missing: %v", err)
	}
}

// TestDownload_ChecksumMismatchAborts verifies the hash gate: a corrupted
// download never reaches the slot and its files are removed.
func TestDownload_ChecksumMismatchAborts(t *testing.T) {
	st := openTestStore(t)
	meta, fetcher := metadataFor("m1", "1.0", []byte("weights-bytes"), []byte(validConfigJSON))
	meta.WeightsSHA256 = "deadbeef"
	m := newTestManager(t, st, &fakeMetadata{meta: meta}, fetcher, &fakeConn{connected: true}, Config{})

	err := m.Download(context.Background(), meta)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Download error = %v, want ErrChecksumMismatch", err)
	}

	current, _ := m.Current()
	if current != nil {
		t.Fatalf("mismatched artifact reached the slot: %+v", current)
	}
	entries, _ := os.ReadDir(m.cfg.Dir)
	if len(entries) != 0 {
		t.Fatalf("rejected files left in model dir: %v", entries)
	}
}

// TestDownload_ChecksumMismatchAllowed verifies the lenient escape hatch
// still installs while the mismatch is only logged.
func TestDownload_ChecksumMismatchAllowed(t *testing.T) {
	st := openTestStore(t)
	meta, fetcher := metadataFor("m1", "1.0", []byte("weights-bytes"), []byte(validConfigJSON))
	meta.WeightsSHA256 = "deadbeef"
	m := newTestManager(t, st, &fakeMetadata{meta: meta}, fetcher, &fakeConn{connected: true}, Config{AllowChecksumMismatch: true})

	if err := m.Download(context.Background(), meta); err != nil {
		t.Fatalf("Download with lenient config: %v", err)
	}
	current, _ := m.Current()
	if current == nil || current.ModelID != "m1" {
		t.Fatalf("lenient install missing: %+v", current)
	}
}

// TestFilePaths_NotInstalled returns the sentinel before any install.
func TestFilePaths_NotInstalled(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, &fakeMetadata{}, &fakeFetcher{}, &fakeConn{}, Config{})

	if _, _, err := m.FilePaths(); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("FilePaths error = %v, want ErrNotInstalled", err)
	}
}

// TestSaveRating_AssignsIDAndQueues verifies ratings get ids, start
// unsynced, and leave the queue once marked synced.
func TestSaveRating_AssignsIDAndQueues(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, &fakeMetadata{}, &fakeFetcher{}, &fakeConn{}, Config{})
	ctx := context.Background()

	id, err := m.SaveRating(ctx, &store.ModelRating{ModelID: "m1", Stars: 4, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("SaveRating: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated rating id")
	}

	pending, err := m.UnsyncedRatings(ctx)
	if err != nil {
		t.Fatalf("UnsyncedRatings: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending ratings = %+v", pending)
	}

	if err := m.MarkRatingsSynced(ctx, []string{id}); err != nil {
		t.Fatalf("MarkRatingsSynced: %v", err)
	}
	pending, _ = m.UnsyncedRatings(ctx)
	if len(pending) != 0 {
		t.Fatalf("ratings still pending after sync: %+v", pending)
	}
}

// TestSweepOrphans removes files no artifact references and keeps the
// installed generation plus fresh temp files.
func TestSweepOrphans(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	meta, fetcher := metadataFor("m1", "1.0", []byte("weights-bytes"), []byte(validConfigJSON))
	m := newTestManager(t, st, &fakeMetadata{meta: meta}, fetcher, &fakeConn{connected: true}, Config{Dir: dir})

	if _, err := m.CheckForUpdates(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	orphan := filepath.Join(dir, "m0.weights")
	if err := os.WriteFile(orphan, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	freshTmp := filepath.Join(dir, "m2.weights.tmp")
	if err := os.WriteFile(freshTmp, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}

	if err := m.SweepOrphans(); err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("orphan survived the sweep")
	}
	if _, err := os.Stat(freshTmp); err != nil {
		t.Fatal("fresh temp file should survive the sweep")
	}
	current, _ := m.Current()
	if _, err := os.Stat(current.WeightsPath); err != nil {
		t.Fatal("installed weights removed by sweep")
	}
}
