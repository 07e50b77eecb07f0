// Package diagnosis routes a crop image to the best available diagnosis
// backend. When the device is online the remote service is authoritative;
// when it is offline, or when the remote attempt fails for any reason, the
// engine falls back to on-device inference with the installed model. Every
// result is persisted locally either way, with the synced flag recording
// whether the server already knows about it.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/inference"
	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
	"github.com/verdantlab/cropdoc/timing"
)

// ErrNoModel indicates on-device inference was required but no model is
// installed. Surfaced to the caller as "diagnosis unavailable offline".
var ErrNoModel = errors.New("on-device diagnosis unavailable: no model installed")

// Submitter sends an image to the remote diagnosis service. Satisfied by
// *remote.Client.
type Submitter interface {
	SubmitDiagnosis(ctx context.Context, imagePath string) (*remote.DiagnosisResult, error)
}

// ModelSource exposes the installed model artifact. Satisfied by
// *model.Manager.
type ModelSource interface {
	Current() (*store.ModelArtifact, error)
}

// ConnectivityChecker reports last-known reachability. Satisfied by
// *connectivity.Monitor.
type ConnectivityChecker interface {
	IsConnected() bool
}

// Engine executes diagnoses and owns the local diagnosis history.
type Engine struct {
	store  *store.Store
	remote Submitter
	models ModelSource
	conn   ConnectivityChecker
	logger logrus.FieldLogger

	// Loaded interpreter for the installed model, rebuilt when the installed
	// model id changes out from under us mid-process.
	mu       sync.Mutex
	loadedID string
	interp   inference.Interpreter
	config   *inference.ModelConfig
}

// NewEngine creates a diagnosis engine.
func NewEngine(st *store.Store, rc Submitter, models ModelSource, conn ConnectivityChecker, logger logrus.FieldLogger) *Engine {
	return &Engine{
		store:  st,
		remote: rc,
		models: models,
		conn:   conn,
		logger: logger,
	}
}

// Diagnose analyzes the image at imagePath for the given crop and persists
// the result. Online, the remote service runs the diagnosis and the stored
// record is already synced; offline, or when the remote attempt fails, the
// installed on-device model runs it and the record waits for the next sync.
//
// Returns ErrNoModel when on-device inference is needed but no model is
// installed.
func (e *Engine) Diagnose(ctx context.Context, cropID, cropName, imagePath string) (*store.Diagnosis, error) {
	if e.conn.IsConnected() {
		d, err := e.diagnoseRemote(ctx, cropID, cropName, imagePath)
		if err == nil {
			return d, nil
		}
		e.logger.WithError(err).Warn("remote diagnosis failed, falling back to on-device model")
	}
	return e.diagnoseLocal(ctx, cropID, cropName, imagePath)
}

func (e *Engine) diagnoseRemote(ctx context.Context, cropID, cropName, imagePath string) (*store.Diagnosis, error) {
	result, err := e.remote.SubmitDiagnosis(ctx, imagePath)
	if err != nil {
		return nil, err
	}

	d := &store.Diagnosis{
		ID:             ulid.Make().String(),
		CropID:         cropID,
		CropName:       cropName,
		ImagePath:      imagePath,
		ServerImageURL: result.ImageURL,
		DiseaseID:      result.DiseaseID,
		DiseaseName:    result.Name,
		DiseaseLabel:   result.Label,
		Description:    result.Description,
		Symptoms:       result.Symptoms,
		Treatment:      result.Treatment,
		Prevention:     result.Prevention,
		Confidence:     result.Confidence,
		CreatedAt:      time.Now(),
		Synced:         true,
	}

	// Stamp the installed model's identity when one exists so remote and
	// local records share a schema; the server-side model is not reported.
	if a, err := e.models.Current(); err == nil && a != nil {
		d.ModelID = a.ModelID
		d.ModelVersion = a.Version
	}

	if err := e.store.InsertDiagnosis(ctx, d); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"diagnosis_id": d.ID,
		"disease":      d.DiseaseName,
		"confidence":   d.Confidence,
		"source":       "remote",
	}).Info("diagnosis complete")
	return d, nil
}

func (e *Engine) diagnoseLocal(ctx context.Context, cropID, cropName, imagePath string) (*store.Diagnosis, error) {
	artifact, err := e.models.Current()
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, ErrNoModel
	}

	interp, cfg, err := e.loadInterpreter(artifact)
	if err != nil {
		return nil, err
	}

	timer := timing.Start("local_inference", e.logger)

	input, err := inference.Preprocess(imagePath, cfg)
	if err != nil {
		return nil, fmt.Errorf("image preprocessing failed: %w", err)
	}

	scores, err := interp.Run(input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	elapsed := timer.StopWithThreshold(2 * time.Second)
	if m := timing.MetricsFromContext(ctx); m != nil {
		m.RecordInference(elapsed)
	}
	idx, confidence := inference.ArgMax(scores)
	class := cfg.ClassByIndex(idx)

	d := &store.Diagnosis{
		ID:           ulid.Make().String(),
		ModelID:      artifact.ModelID,
		ModelVersion: artifact.Version,
		CropID:       cropID,
		CropName:     cropName,
		ImagePath:    imagePath,
		DiseaseID:    class.DiseaseID,
		DiseaseName:  class.Name,
		DiseaseLabel: class.Label,
		Description:  class.Description,
		Symptoms:     class.Symptoms,
		Treatment:    class.Treatment,
		Prevention:   class.Prevention,
		Confidence:   confidence,
		CreatedAt:    time.Now(),
		Synced:       false,
	}

	if err := e.store.InsertDiagnosis(ctx, d); err != nil {
		return nil, err
	}
	if err := e.store.TouchModelLastUsed(time.Now()); err != nil {
		e.logger.WithError(err).Warn("failed to update model last-used time")
	}

	e.logger.WithFields(logrus.Fields{
		"diagnosis_id": d.ID,
		"disease":      d.DiseaseName,
		"confidence":   d.Confidence,
		"source":       "local",
	}).Info("diagnosis complete")
	return d, nil
}

// loadInterpreter returns a ready interpreter for the installed artifact,
// reloading from disk only when the installed model id has changed.
func (e *Engine) loadInterpreter(artifact *store.ModelArtifact) (inference.Interpreter, *inference.ModelConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loadedID == artifact.ModelID && e.interp != nil {
		return e.interp, e.config, nil
	}

	cfg, err := inference.LoadConfig(artifact.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model config: %w", err)
	}
	interp, err := inference.LoadLinear(artifact.WeightsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model weights: %w", err)
	}

	e.loadedID = artifact.ModelID
	e.interp = interp
	e.config = cfg
	return interp, cfg, nil
}

// Get returns one diagnosis by id, or nil if no such record exists.
func (e *Engine) Get(ctx context.Context, id string) (*store.Diagnosis, error) {
	return e.store.GetDiagnosis(ctx, id)
}

// List returns stored diagnoses newest first.
func (e *Engine) List(ctx context.Context, limit int) ([]*store.Diagnosis, error) {
	return e.store.ListDiagnoses(ctx, limit)
}

// MarkRated flags a diagnosis as having received a user rating, so the app
// stops prompting for one. Errors when no such diagnosis exists.
func (e *Engine) MarkRated(ctx context.Context, id string) error {
	return e.store.MarkDiagnosisRated(ctx, id)
}
