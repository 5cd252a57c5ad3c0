// Package detect defines the uniform detection schema shared by all
// model families, and the geometry helpers that produce it.
package detect

import (
	"math"
	"strconv"

	"github.com/aibekov/geodetect/internal/family"
)

// BBoxType tags which geometric representation a Detection's bounding
// box uses.
type BBoxType string

const (
	// XYXY is axis-aligned corners: [x1, y1, x2, y2].
	XYXY BBoxType = "xyxy"
	// XYWH is top-left plus size: [x, y, w, h].
	XYWH BBoxType = "xywh"
	// XYWHA is top-left plus size with a rotation angle in degrees.
	XYWHA BBoxType = "xywha"
	// OBB is a flattened 4-corner polygon: [x1,y1, x2,y2, x3,y3, x4,y4].
	OBB BBoxType = "obb"
)

// RawDetection is a family executor's output row before normalization.
// Box is interpreted according to Kind; Angle is set for XYWHA, Corners
// for XYWHA and OBB.
type RawDetection struct {
	ClassID int
	Score   float64
	Kind    BBoxType
	Box     [4]float64
	Angle   float64
	Corners []float64
}

// Detection is the uniform representation returned to callers
// regardless of model family.
type Detection struct {
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
	BBoxType   BBoxType  `json:"bbox_type"`
	Angle      *float64  `json:"angle,omitempty"`
	OBB        []float64 `json:"obb,omitempty"`
}

// InferenceResult is the tagged success/failure envelope of a predict
// call. On failure only Error is meaningful; no partial results are
// carried.
type InferenceResult struct {
	Success        bool          `json:"success"`
	ModelID        int           `json:"model_id,omitempty"`
	ModelName      string        `json:"model_name,omitempty"`
	ModelFamily    family.Family `json:"model_family,omitempty"`
	ImagePath      string        `json:"image_path,omitempty"`
	ImageSize      []int         `json:"image_size,omitempty"`
	Confidence     float64       `json:"confidence_threshold,omitempty"`
	Detections     []Detection   `json:"detections"`
	DetectionCount int           `json:"detection_count"`
	Error          string        `json:"error,omitempty"`
}

// Failure builds a failed InferenceResult with the given reason.
func Failure(reason string) InferenceResult {
	return InferenceResult{Success: false, Error: reason}
}

// Corners computes the four corner points of a rotated rectangle
// centered at (cx, cy) with size w×h, rotated by angleDeg degrees.
// The result is a flat 8-value slice in the fixed corner order
// (-1,-1), (1,-1), (1,1), (-1,1); at angle 0 this is the axis-aligned
// rectangle in the same order.
func Corners(cx, cy, w, h, angleDeg float64) []float64 {
	rad := angleDeg * math.Pi / 180
	cos := math.Cos(rad)
	sin := math.Sin(rad)

	hw := w / 2
	hh := h / 2

	signs := [4][2]float64{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}
	corners := make([]float64, 0, 8)
	for _, s := range signs {
		dx := s[0] * hw
		dy := s[1] * hh
		px := cx + dx*cos - dy*sin
		py := cy + dx*sin + dy*cos
		corners = append(corners, px, py)
	}
	return corners
}

// Normalize wraps a raw executor row into the uniform Detection shape,
// resolving the class name from the family's class table when the ID
// is in range and falling back to the numeric ID otherwise.
func Normalize(raw RawDetection, classes []string) Detection {
	name := strconv.Itoa(raw.ClassID)
	if raw.ClassID >= 0 && raw.ClassID < len(classes) {
		name = classes[raw.ClassID]
	}

	det := Detection{
		ClassID:    raw.ClassID,
		ClassName:  name,
		Confidence: raw.Score,
		BBox:       raw.Box[:],
		BBoxType:   raw.Kind,
	}
	if raw.Kind == XYWHA {
		angle := raw.Angle
		det.Angle = &angle
	}
	if len(raw.Corners) == 8 {
		det.OBB = raw.Corners
	}
	return det
}

// NormalizeAll maps a batch of raw rows through Normalize.
func NormalizeAll(raws []RawDetection, classes []string) []Detection {
	dets := make([]Detection, 0, len(raws))
	for _, raw := range raws {
		dets = append(dets, Normalize(raw, classes))
	}
	return dets
}
