package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/aibekov/geodetect/internal/detect"
	"github.com/aibekov/geodetect/internal/store"
)

const (
	defaultMMRotateSize = 1024
	defaultMaxDets      = 100
)

// mmrotateConfig is the deploy descriptor shipped next to an mmrotate
// checkpoint. BoxFields is 6 for rotated heads ([cx,cy,w,h,angle,score])
// and 5 for horizontal ones ([x1,y1,x2,y2,score]).
type mmrotateConfig struct {
	ImageSize     int    `json:"image_size"`
	MaxDetections int    `json:"max_detections"`
	BoxFields     int    `json:"box_fields"`
	AngleUnit     string `json:"angle_unit"`
}

// mmrotateModel runs mmrotate detectors exported to ONNX with the
// usual two-output head: dets [1, N, BoxFields] and labels [1, N].
// The graph applies no confidence filtering; the decoder does.
type mmrotateModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	dets    *ort.Tensor[float32]
	labels  *ort.Tensor[int64]
	size    int
	rowLen  int
	degrees bool
}

func loadMMRotate(meta store.ModelMetadata, dev Device) (Model, error) {
	if meta.ConfigPath == "" {
		return nil, fmt.Errorf(
			"config.json not found in %s: mmrotate models require a deploy config next to the checkpoint",
			meta.FolderPath)
	}

	raw, err := os.ReadFile(meta.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read deploy config: %w", err)
	}
	var cfg mmrotateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse deploy config %s: %w", meta.ConfigPath, err)
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = defaultMMRotateSize
	}
	if cfg.MaxDetections == 0 {
		cfg.MaxDetections = defaultMaxDets
	}
	if cfg.BoxFields == 0 {
		cfg.BoxFields = 6
	}
	if cfg.BoxFields != 5 && cfg.BoxFields != 6 {
		return nil, fmt.Errorf("deploy config %s: box_fields must be 5 or 6, got %d", meta.ConfigPath, cfg.BoxFields)
	}

	if err := initRuntime(); err != nil {
		return nil, err
	}

	size := cfg.ImageSize
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	dets, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.MaxDetections), int64(cfg.BoxFields)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create dets tensor: %w", err)
	}
	labels, err := ort.NewEmptyTensor[int64](ort.NewShape(1, int64(cfg.MaxDetections)))
	if err != nil {
		input.Destroy()
		dets.Destroy()
		return nil, fmt.Errorf("failed to create labels tensor: %w", err)
	}

	opts, err := newSessionOptions(dev)
	if err != nil {
		input.Destroy()
		dets.Destroy()
		labels.Destroy()
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewAdvancedSession(meta.CheckpointPath,
		[]string{"input"}, []string{"dets", "labels"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{dets, labels},
		opts)
	if err != nil {
		input.Destroy()
		dets.Destroy()
		labels.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &mmrotateModel{
		session: session,
		input:   input,
		dets:    dets,
		labels:  labels,
		size:    size,
		rowLen:  cfg.BoxFields,
		degrees: cfg.AngleUnit == "degrees",
	}, nil
}

func (m *mmrotateModel) Detect(imagePath string, conf float64) ([]detect.RawDetection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, origW, origH, err := imageToCHW(imagePath, m.size)
	if err != nil {
		return nil, err
	}
	copy(m.input.GetData(), data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	sx := float64(origW) / float64(m.size)
	sy := float64(origH) / float64(m.size)
	return decodeRotated(m.dets.GetData(), m.labels.GetData(), m.rowLen, sx, sy, conf, m.degrees), nil
}

func (m *mmrotateModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.input != nil {
		m.input.Destroy()
	}
	if m.dets != nil {
		m.dets.Destroy()
	}
	if m.labels != nil {
		m.labels.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
}

// decodeRotated converts raw dets/labels rows into detections,
// filtering post-hoc against the confidence threshold (inclusive >=).
// 6-field rows become xywha with the angle in degrees and a
// synthesized 4-corner polygon; 5-field rows become plain xywh.
func decodeRotated(dets []float32, labels []int64, rowLen int, sx, sy, conf float64, degrees bool) []detect.RawDetection {
	if rowLen < 5 {
		return nil
	}

	var out []detect.RawDetection
	n := len(dets) / rowLen
	for i := 0; i < n && i < len(labels); i++ {
		row := dets[i*rowLen : (i+1)*rowLen]
		classID := int(labels[i])
		if classID < 0 {
			continue
		}
		score := float64(row[rowLen-1])
		if score < conf {
			continue
		}

		if rowLen == 6 {
			cx := float64(row[0]) * sx
			cy := float64(row[1]) * sy
			w := float64(row[2]) * sx
			h := float64(row[3]) * sy
			angle := float64(row[4])
			if !degrees {
				angle = angle * 180 / math.Pi
			}
			out = append(out, detect.RawDetection{
				ClassID: classID,
				Score:   score,
				Kind:    detect.XYWHA,
				Box:     [4]float64{cx - w/2, cy - h/2, w, h},
				Angle:   angle,
				Corners: detect.Corners(cx, cy, w, h, angle),
			})
		} else {
			x1 := float64(row[0]) * sx
			y1 := float64(row[1]) * sy
			x2 := float64(row[2]) * sx
			y2 := float64(row[3]) * sy
			out = append(out, detect.RawDetection{
				ClassID: classID,
				Score:   score,
				Kind:    detect.XYWH,
				Box:     [4]float64{x1, y1, x2 - x1, y2 - y1},
			})
		}
	}
	return out
}
