package diagnosis

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
)

// fakeSubmitter serves a scripted remote diagnosis response.
type fakeSubmitter struct {
	result *remote.DiagnosisResult
	err    error
	calls  int
}

func (f *fakeSubmitter) SubmitDiagnosis(ctx context.Context, imagePath string) (*remote.DiagnosisResult, error) {
	f.calls++
	return f.result, f.err
}

// fakeModels serves a fixed installed artifact, possibly none.
type fakeModels struct {
	artifact *store.ModelArtifact
}

func (f *fakeModels) Current() (*store.ModelArtifact, error) { return f.artifact, nil }

type fakeConn struct{ connected bool }

func (f *fakeConn) IsConnected() bool { return f.connected }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
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

// installTestModel writes a working two-class linear model (class 1 wins on
// green input) plus its config, and returns the matching artifact.
func installTestModel(t *testing.T, st *store.Store) *store.ModelArtifact {
	t.Helper()
	dir := t.TempDir()

	const inputLen = 4 * 4 * 3
	weightsPath := filepath.Join(dir, "m1.weights")
	buf := []byte("CDW1")
	buf = binary.LittleEndian.AppendUint32(buf, inputLen)
	buf = binary.LittleEndian.AppendUint32(buf, 2)
	for c := 0; c < 2; c++ {
		w := float32(0)
		if c == 1 {
			w = 0.1
		}
		for i := 0; i < inputLen; i++ {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(w))
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(0))   // bias class 0
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(0.5)) // bias class 1
	if err := os.WriteFile(weightsPath, buf, 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}

	configPath := filepath.Join(dir, "m1.json")
	config := `{
		"input_width": 4, "input_height": 4, "channels": 3,
		"mean": [0, 0, 0], "std": [1, 1, 1],
		"classes": [
			{"index": 0, "disease_id": "healthy", "name": "Healthy", "label": "healthy"},
			{"index": 1, "disease_id": "rust", "name": "Common rust", "label": "rust", "treatment": "apply fungicide"}
		]
	}`
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	artifact := &store.ModelArtifact{
		ModelID:     "m1",
		Version:     "1.0",
		WeightsPath: weightsPath,
		ConfigPath:  configPath,
	}
	if _, err := st.ReplaceModelArtifact(artifact); err != nil {
		t.Fatalf("ReplaceModelArtifact: %v", err)
	}
	return artifact
}

// writeLeafImage writes a small green PNG.
func writeLeafImage(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "leaf.png")
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{G: 255, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}
	return path
}

// TestDiagnose_OnlineUsesRemote verifies online diagnoses go to the server
// and are stored already synced with the server's image URL.
func TestDiagnose_OnlineUsesRemote(t *testing.T) {
	st := openTestStore(t)
	sub := &fakeSubmitter{result: &remote.DiagnosisResult{
		DiseaseID:  "blight",
		Name:       "Northern leaf blight",
		Confidence: 0.93,
		ImageURL:   "https://img.test/leaf.jpg",
	}}
	e := NewEngine(st, sub, &fakeModels{}, &fakeConn{connected: true}, testLogger())

	d, err := e.Diagnose(context.Background(), "crop-1", "maize", "/tmp/leaf.jpg")
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if sub.calls != 1 {
		t.Fatalf("remote called %d times, want 1", sub.calls)
	}
	if !d.Synced || d.ServerImageURL != "https://img.test/leaf.jpg" || d.DiseaseID != "blight" {
		t.Fatalf("remote diagnosis wrong: %+v", d)
	}

	stored, err := st.GetDiagnosis(context.Background(), d.ID)
	if err != nil || stored == nil || !stored.Synced {
		t.Fatalf("stored record wrong: %+v, %v", stored, err)
	}
}

// TestDiagnose_OfflineUsesLocalModel verifies offline diagnoses run the
// installed model and are stored unsynced for the next sync pass.
func TestDiagnose_OfflineUsesLocalModel(t *testing.T) {
	st := openTestStore(t)
	installTestModel(t, st)
	sub := &fakeSubmitter{}
	e := NewEngine(st, sub, engineModels(st), &fakeConn{connected: false}, testLogger())

	d, err := e.Diagnose(context.Background(), "crop-1", "maize", writeLeafImage(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if sub.calls != 0 {
		t.Fatal("remote called while offline")
	}
	if d.Synced || d.ServerImageURL != "" {
		t.Fatalf("offline diagnosis should be unsynced: %+v", d)
	}
	if d.DiseaseID != "rust" || d.ModelID != "m1" {
		t.Fatalf("local inference wrong: %+v", d)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		t.Fatalf("confidence %f outside (0,1]", d.Confidence)
	}

	// The local run marks the installed model as used.
	artifact, err := st.CurrentModelArtifact()
	if err != nil {
		t.Fatalf("CurrentModelArtifact: %v", err)
	}
	if artifact.LastUsedAt.IsZero() {
		t.Fatal("model last-used not touched")
	}
}

// engineModels adapts the store to the ModelSource interface so the test
// exercises the artifact the store actually holds.
func engineModels(st *store.Store) ModelSource {
	return storeModels{st}
}

type storeModels struct{ st *store.Store }

func (s storeModels) Current() (*store.ModelArtifact, error) { return s.st.CurrentModelArtifact() }

// TestDiagnose_RemoteFailureFallsBack verifies any remote failure degrades
// to on-device inference rather than surfacing an error.
func TestDiagnose_RemoteFailureFallsBack(t *testing.T) {
	st := openTestStore(t)
	installTestModel(t, st)
	sub := &fakeSubmitter{err: errors.New("gateway timeout")}
	e := NewEngine(st, sub, engineModels(st), &fakeConn{connected: true}, testLogger())

	d, err := e.Diagnose(context.Background(), "crop-1", "maize", writeLeafImage(t))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if sub.calls != 1 {
		t.Fatalf("remote called %d times, want 1", sub.calls)
	}
	if d.Synced || d.DiseaseID != "rust" {
		t.Fatalf("fallback diagnosis wrong: %+v", d)
	}
}

// TestDiagnose_OfflineWithoutModel surfaces the no-model sentinel.
func TestDiagnose_OfflineWithoutModel(t *testing.T) {
	st := openTestStore(t)
	e := NewEngine(st, &fakeSubmitter{}, &fakeModels{}, &fakeConn{connected: false}, testLogger())

	_, err := e.Diagnose(context.Background(), "crop-1", "maize", "/tmp/leaf.jpg")
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("error = %v, want ErrNoModel", err)
	}
}

// TestMarkRated flags stored diagnoses and rejects unknown ids.
func TestMarkRated(t *testing.T) {
	st := openTestStore(t)
	sub := &fakeSubmitter{result: &remote.DiagnosisResult{DiseaseID: "rust", Confidence: 0.8}}
	e := NewEngine(st, sub, &fakeModels{}, &fakeConn{connected: true}, testLogger())
	ctx := context.Background()

	d, err := e.Diagnose(ctx, "crop-1", "maize", "/tmp/leaf.jpg")
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if err := e.MarkRated(ctx, d.ID); err != nil {
		t.Fatalf("MarkRated: %v", err)
	}
	got, _ := e.Get(ctx, d.ID)
	if got == nil || !got.IsRated {
		t.Fatalf("diagnosis not flagged rated: %+v", got)
	}

	if err := e.MarkRated(ctx, "ghost"); err == nil {
		t.Fatal("expected error for unknown diagnosis id")
	}
}
