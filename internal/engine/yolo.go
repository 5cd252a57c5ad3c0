package engine

import (
	"fmt"
	"math"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/aibekov/geodetect/internal/detect"
	"github.com/aibekov/geodetect/internal/store"
)

const (
	defaultYOLOSize  = 640
	yoloIoUThreshold = 0.45
)

// yoloModel runs YOLO and YOLO-OBB checkpoints exported to ONNX. The
// output head is [1, 4+nc(+1), anchors]: box center/size channels,
// one score channel per class and, for oriented models, a trailing
// angle channel in radians.
type yoloModel struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	size     int
	classes  int
	anchors  int
	oriented bool
}

func loadYOLO(meta store.ModelMetadata, dev Device) (Model, error) {
	return newYOLOModel(meta, dev, false)
}

func loadYOLOOBB(meta store.ModelMetadata, dev Device) (Model, error) {
	return newYOLOModel(meta, dev, true)
}

func newYOLOModel(meta store.ModelMetadata, dev Device, oriented bool) (Model, error) {
	if err := initRuntime(); err != nil {
		return nil, err
	}

	size := meta.ImageSize
	if size == 0 {
		size = defaultYOLOSize
	}
	// One anchor per cell at strides 8, 16 and 32.
	anchors := (size/8)*(size/8) + (size/16)*(size/16) + (size/32)*(size/32)
	channels := 4 + len(meta.Classes)
	if oriented {
		channels++
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(channels), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	opts, err := newSessionOptions(dev)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewAdvancedSession(meta.CheckpointPath,
		[]string{"images"}, []string{"output0"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &yoloModel{
		session:  session,
		input:    input,
		output:   output,
		size:     size,
		classes:  len(meta.Classes),
		anchors:  anchors,
		oriented: oriented,
	}, nil
}

func (m *yoloModel) Detect(imagePath string, conf float64) ([]detect.RawDetection, error) {
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
	return decodeYOLO(m.output.GetData(), m.classes, m.anchors, m.oriented, sx, sy, conf), nil
}

func (m *yoloModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
}

// decodeYOLO turns the raw output head into detections: per-anchor
// argmax over class scores, confidence filtering (inclusive >=),
// scaling back to source image coordinates and class-wise NMS.
// Oriented models yield native corner polygons.
func decodeYOLO(out []float32, classes, anchors int, oriented bool, sx, sy, conf float64) []detect.RawDetection {
	at := func(ch, j int) float64 { return float64(out[ch*anchors+j]) }

	var cands []detect.RawDetection
	for j := 0; j < anchors; j++ {
		best := -1
		bestScore := 0.0
		for c := 0; c < classes; c++ {
			if s := at(4+c, j); s > bestScore {
				bestScore = s
				best = c
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}

		cx := at(0, j) * sx
		cy := at(1, j) * sy
		w := at(2, j) * sx
		h := at(3, j) * sy

		if oriented {
			angleDeg := at(4+classes, j) * 180 / math.Pi
			corners := detect.Corners(cx, cy, w, h, angleDeg)
			cands = append(cands, detect.RawDetection{
				ClassID: best,
				Score:   bestScore,
				Kind:    detect.OBB,
				Box:     enclosingBox(corners),
				Corners: corners,
			})
		} else {
			cands = append(cands, detect.RawDetection{
				ClassID: best,
				Score:   bestScore,
				Kind:    detect.XYXY,
				Box:     [4]float64{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			})
		}
	}
	return nms(cands, yoloIoUThreshold)
}

// nms keeps the highest-scoring box of each overlapping same-class
// group. Oriented boxes are compared by their enclosing rectangles.
func nms(dets []detect.RawDetection, iouThreshold float64) []detect.RawDetection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })

	kept := make([]detect.RawDetection, 0, len(dets))
	for _, d := range dets {
		drop := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && iou(k.Box, d.Box) > iouThreshold {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, d)
		}
	}
	return kept
}

// iou computes intersection over union of two xyxy boxes.
func iou(a, b [4]float64) float64 {
	ix := math.Min(a[2], b[2]) - math.Max(a[0], b[0])
	iy := math.Min(a[3], b[3]) - math.Max(a[1], b[1])
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// enclosingBox is the axis-aligned xyxy rectangle around a flat corner
// polygon.
func enclosingBox(corners []float64) [4]float64 {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(corners); i += 2 {
		minX = math.Min(minX, corners[i])
		maxX = math.Max(maxX, corners[i])
		minY = math.Min(minY, corners[i+1])
		maxY = math.Max(maxY, corners[i+1])
	}
	return [4]float64{minX, minY, maxX, maxY}
}
