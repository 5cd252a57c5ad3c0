// Package engine loads detection models from the store and runs
// inference against them, normalizing every family's output into the
// uniform detection schema.
package engine

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/aibekov/geodetect/internal/detect"
	"github.com/aibekov/geodetect/internal/family"
	"github.com/aibekov/geodetect/internal/store"
)

// DefaultConfidence is the confidence threshold used when a caller
// does not supply one.
const DefaultConfidence = 0.25

// Model is a loaded, runnable detector. Detect runs inference on one
// image with the given confidence threshold and returns raw detection
// rows; it blocks for the duration of the inference call.
type Model interface {
	Detect(imagePath string, conf float64) ([]detect.RawDetection, error)
	Close()
}

// Loader materializes a runnable model from its checkpoint.
type Loader func(meta store.ModelMetadata, dev Device) (Model, error)

// LoadedModel is one cache entry: the runnable handle plus the family
// tag and metadata snapshot taken at load time. The device assignment
// is fixed for the entry's lifetime.
type LoadedModel struct {
	Model  Model
	Family family.Family
	Meta   store.ModelMetadata
	Device Device
}

// Engine owns the model cache. All cache mutation happens under one
// mutex, so concurrent loads of the same ID cannot double-load.
type Engine struct {
	store   *store.Store
	loaders map[family.Family]Loader

	mu     sync.Mutex
	loaded map[int]*LoadedModel
}

// New builds an engine over a model store with the default ONNX-backed
// family loaders.
func New(st *store.Store) *Engine {
	return &Engine{
		store: st,
		loaders: map[family.Family]Loader{
			family.YOLO:     loadYOLO,
			family.YOLOOBB:  loadYOLOOBB,
			family.MMRotate: loadMMRotate,
		},
		loaded: map[int]*LoadedModel{},
	}
}

// Load resolves, classifies and loads a model into the cache.
// Idempotent: loading an already-cached ID is a no-op success. On
// failure the returned error is an *Error carrying the failure kind.
func (e *Engine) Load(modelID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(modelID)
}

func (e *Engine) loadLocked(modelID int) error {
	if _, ok := e.loaded[modelID]; ok {
		return nil
	}

	meta, err := e.store.Lookup(modelID)
	if err != nil {
		return failf(KindNotFound, "%v", err)
	}
	if _, err := os.Stat(meta.CheckpointPath); err != nil {
		return failf(KindNotFound, "model %d: checkpoint not found: %s", modelID, meta.CheckpointPath)
	}

	fam := family.Classify(meta.Folder)
	loader, ok := e.loaders[fam]
	if !ok {
		return failf(KindUnsupportedFamily, "model %d: unsupported model family %q (folder %s)", modelID, fam, meta.Folder)
	}
	if fam == family.MMRotate && meta.ConfigPath == "" {
		return failf(KindNotFound,
			"model %d: config.json not found in %s: mmrotate models require a deploy config next to the checkpoint",
			modelID, meta.FolderPath)
	}

	dev := selectDevice()
	m, err := runLoader(loader, meta, dev)
	if err != nil {
		return failf(KindLoadFailure, "model %d: %v", modelID, err)
	}

	e.loaded[modelID] = &LoadedModel{Model: m, Family: fam, Meta: meta, Device: dev}
	log.Printf("Loaded model %d (%s, family %s, device %s)", modelID, meta.Name, fam, dev)
	return nil
}

// runLoader converts a panicking loader into an error; backends wrap
// native code and must not take the process down.
func runLoader(l Loader, meta store.ModelMetadata, dev Device) (m Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader panic: %v", r)
		}
	}()
	return l(meta, dev)
}

// Unload removes a model from the cache and releases it. Returns
// whether anything was removed.
func (e *Engine) Unload(modelID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	lm, ok := e.loaded[modelID]
	if !ok {
		return false
	}
	lm.Model.Close()
	delete(e.loaded, modelID)
	log.Printf("Unloaded model %d", modelID)
	return true
}

// UnloadAll releases every cached model.
func (e *Engine) UnloadAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, lm := range e.loaded {
		lm.Model.Close()
		delete(e.loaded, id)
	}
}

// LoadedIDs enumerates the cached model IDs in ascending order.
func (e *Engine) LoadedIDs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int, 0, len(e.loaded))
	for id := range e.loaded {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Predict runs inference on one image. It never returns an error or
// panics: every exit path is a tagged success/failure InferenceResult.
// With autoLoad the model is loaded on a cache miss; otherwise a miss
// fails.
func (e *Engine) Predict(modelID int, imagePath string, conf float64, autoLoad bool) detect.InferenceResult {
	e.mu.Lock()
	lm, ok := e.loaded[modelID]
	if !ok {
		if !autoLoad {
			e.mu.Unlock()
			return detect.Failure(fmt.Sprintf("model %d not loaded; load it first", modelID))
		}
		if err := e.loadLocked(modelID); err != nil {
			e.mu.Unlock()
			return detect.Failure(fmt.Sprintf("failed to load model %d: %v", modelID, err))
		}
		lm = e.loaded[modelID]
	}
	e.mu.Unlock()

	if _, err := os.Stat(imagePath); err != nil {
		return detect.Failure(fmt.Sprintf("image not found: %s", imagePath))
	}
	width, height, err := imageSize(imagePath)
	if err != nil {
		return detect.Failure(fmt.Sprintf("failed to read image %s: %v", imagePath, err))
	}

	raws, err := runDetect(lm.Model, imagePath, conf)
	if err != nil {
		return detect.Failure(fmt.Sprintf("inference failed: %v", err))
	}

	dets := detect.NormalizeAll(raws, lm.Meta.Classes)
	return detect.InferenceResult{
		Success:        true,
		ModelID:        modelID,
		ModelName:      lm.Meta.Name,
		ModelFamily:    lm.Family,
		ImagePath:      imagePath,
		ImageSize:      []int{width, height},
		Confidence:     conf,
		Detections:     dets,
		DetectionCount: len(dets),
	}
}

func runDetect(m Model, imagePath string, conf float64) (raws []detect.RawDetection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return m.Detect(imagePath, conf)
}
