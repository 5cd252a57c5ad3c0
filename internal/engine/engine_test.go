package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibekov/geodetect/internal/detect"
	"github.com/aibekov/geodetect/internal/family"
	"github.com/aibekov/geodetect/internal/store"
)

type fakeModel struct {
	raws     []detect.RawDetection
	err      error
	panicMsg string
	closed   bool
	gotConf  float64
}

func (m *fakeModel) Detect(imagePath string, conf float64) ([]detect.RawDetection, error) {
	m.gotConf = conf
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return m.raws, m.err
}

func (m *fakeModel) Close() { m.closed = true }

// writeStoreModel lays out one model folder; checkpoint is written
// unless withCheckpoint is false.
func writeStoreModel(t *testing.T, dir, folder string, id int, name string, classes []string, withCheckpoint bool) {
	t.Helper()

	folderPath := filepath.Join(dir, folder)
	require.NoError(t, os.MkdirAll(folderPath, 0o755))

	meta := map[string]any{"id": id, "name": name, "classes": classes}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(folderPath, "metadata.json"), data, 0o644))

	if withCheckpoint {
		require.NoError(t, os.WriteFile(filepath.Join(folderPath, "model.onnx"), []byte("stub"), 0o644))
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func newTestEngine(st *store.Store, loaders map[family.Family]Loader) *Engine {
	return &Engine{store: st, loaders: loaders, loaded: map[int]*LoadedModel{}}
}

func TestLoadIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", []string{"person", "car"}, true)

	calls := 0
	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) {
			calls++
			return &fakeModel{}, nil
		},
	})

	require.NoError(t, eng.Load(1))
	require.NoError(t, eng.Load(1))
	assert.Equal(t, 1, calls, "second load must hit the cache")
	assert.Equal(t, []int{1}, eng.LoadedIDs())
}

func TestLoadUnresolvableID(t *testing.T) {
	eng := newTestEngine(store.New(t.TempDir()), nil)

	err := eng.Load(42)
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindNotFound, typed.Kind)
	assert.Empty(t, eng.LoadedIDs(), "cache must be unchanged after a failed load")
}

func TestLoadMissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, false)

	eng := newTestEngine(store.New(dir), nil)
	err := eng.Load(1)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindNotFound, typed.Kind)
	assert.Contains(t, typed.Message, "checkpoint")
}

func TestLoadMMRotateWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "mm-oriented-rcnn-r50", 1, "OrientedRCNN", nil, true)

	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.MMRotate: func(meta store.ModelMetadata, dev Device) (Model, error) {
			t.Fatal("loader must not run without a deploy config")
			return nil, nil
		},
	})

	err := eng.Load(1)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindNotFound, typed.Kind)
	assert.Contains(t, typed.Message, "config.json")
}

func TestLoadUnsupportedFamily(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "resnet-backbone", 1, "ResNet", nil, true)

	eng := newTestEngine(store.New(dir), map[family.Family]Loader{})
	err := eng.Load(1)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindUnsupportedFamily, typed.Kind)
}

func TestLoadLoaderFailure(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, true)

	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) {
			return nil, errors.New("corrupt checkpoint")
		},
	})

	err := eng.Load(1)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindLoadFailure, typed.Kind)
	assert.Contains(t, typed.Message, "corrupt checkpoint")
	assert.Empty(t, eng.LoadedIDs())
}

func TestLoadLoaderPanicIsCaught(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, true)

	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) {
			panic("native crash")
		},
	})

	err := eng.Load(1)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindLoadFailure, typed.Kind)
	assert.Contains(t, typed.Message, "native crash")
}

func TestUnload(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, true)

	fake := &fakeModel{}
	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) { return fake, nil },
	})

	assert.False(t, eng.Unload(1), "unloading an absent ID is a no-op failure")

	require.NoError(t, eng.Load(1))
	assert.True(t, eng.Unload(1))
	assert.True(t, fake.closed)
	assert.Empty(t, eng.LoadedIDs())
	assert.False(t, eng.Unload(1))
}

func TestUnloadAll(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "A", nil, true)
	writeStoreModel(t, dir, "yolov8s-coco", 2, "B", nil, true)

	models := map[int]*fakeModel{}
	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) {
			m := &fakeModel{}
			models[meta.ID] = m
			return m, nil
		},
	})

	require.NoError(t, eng.Load(2))
	require.NoError(t, eng.Load(1))
	assert.Equal(t, []int{1, 2}, eng.LoadedIDs())

	eng.UnloadAll()
	assert.Empty(t, eng.LoadedIDs())
	for id, m := range models {
		assert.True(t, m.closed, "model %d must be released", id)
	}
}

func TestPredictNotLoadedWithoutAutoLoad(t *testing.T) {
	eng := newTestEngine(store.New(t.TempDir()), nil)

	res := eng.Predict(1, "img.jpg", DefaultConfidence, false)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not loaded")
}

func TestPredictAutoLoadFailure(t *testing.T) {
	eng := newTestEngine(store.New(t.TempDir()), nil)

	res := eng.Predict(1, "img.jpg", DefaultConfidence, true)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed to load")
}

func TestPredictImageNotFound(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, true)

	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) { return &fakeModel{}, nil },
	})

	res := eng.Predict(1, filepath.Join(dir, "missing.jpg"), DefaultConfidence, true)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "image not found")
}

func TestPredictCorruptImage(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, true)
	garbage := filepath.Join(dir, "garbage.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	empty := filepath.Join(dir, "empty.jpg")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) { return &fakeModel{}, nil },
	})

	for _, path := range []string{garbage, empty} {
		res := eng.Predict(1, path, DefaultConfidence, true)
		assert.False(t, res.Success, "path %s", path)
		assert.Contains(t, res.Error, "failed to read image")
	}
}

func TestPredictSuccess(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", []string{"person", "car"}, true)
	imgPath := filepath.Join(dir, "img.png")
	writePNG(t, imgPath, 8, 6)

	fake := &fakeModel{raws: []detect.RawDetection{
		{ClassID: 0, Score: 0.9, Kind: detect.XYXY, Box: [4]float64{1, 1, 4, 4}},
		{ClassID: 1, Score: 0.6, Kind: detect.XYXY, Box: [4]float64{2, 2, 6, 5}},
	}}
	eng := newTestEngine(store.New(dir), map[family.Family]Loader{
		family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) { return fake, nil },
	})

	res := eng.Predict(1, imgPath, 0.5, true)
	require.True(t, res.Success, "error: %s", res.Error)

	assert.Equal(t, 1, res.ModelID)
	assert.Equal(t, "YOLOv8n-COCO", res.ModelName)
	assert.Equal(t, family.YOLO, res.ModelFamily)
	assert.Equal(t, imgPath, res.ImagePath)
	assert.Equal(t, []int{8, 6}, res.ImageSize)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Equal(t, 0.5, fake.gotConf, "threshold must be handed to the executor")

	require.Equal(t, 2, res.DetectionCount)
	assert.Equal(t, "person", res.Detections[0].ClassName)
	assert.Equal(t, "car", res.Detections[1].ClassName)
}

func TestPredictExecutorFailure(t *testing.T) {
	dir := t.TempDir()
	writeStoreModel(t, dir, "yolov8n-coco", 1, "YOLOv8n-COCO", nil, true)
	imgPath := filepath.Join(dir, "img.png")
	writePNG(t, imgPath, 4, 4)

	for name, fake := range map[string]*fakeModel{
		"error": {err: fmt.Errorf("backend unavailable")},
		"panic": {panicMsg: "index out of range"},
	} {
		eng := newTestEngine(store.New(dir), map[family.Family]Loader{
			family.YOLO: func(meta store.ModelMetadata, dev Device) (Model, error) { return fake, nil },
		})

		res := eng.Predict(1, imgPath, DefaultConfidence, true)
		assert.False(t, res.Success, name)
		assert.Contains(t, res.Error, "inference failed", name)
		assert.Empty(t, res.Detections, "a failure discards partial results")
	}
}
