package store

import (
	"strings"

	"github.com/aibekov/geodetect/internal/family"
)

// Filter selects models from a listing. String fields match by
// case-insensitive substring; empty fields match everything.
type Filter struct {
	ID      *int
	Name    string
	Class   string
	Type    string
	Dataset string
}

// Match reports whether one listing record passes the filter. The type
// filter matches the classified family ("yolo" also matches yolo-obb);
// the dataset filter matches against the model name, which carries the
// dataset suffix by store convention (e.g. "YOLOv8n-COCO").
func (f Filter) Match(info ModelInfo) bool {
	if f.ID != nil && info.ID != *f.ID {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(info.Name), strings.ToLower(f.Name)) {
		return false
	}
	if f.Class != "" && !matchesClass(info.Classes, f.Class) {
		return false
	}
	if f.Type != "" && !matchesFamily(info.Family, f.Type) {
		return false
	}
	if f.Dataset != "" && !strings.Contains(strings.ToLower(info.Name), strings.ToLower(f.Dataset)) {
		return false
	}
	return true
}

// Apply returns the records passing the filter, preserving order.
func (f Filter) Apply(infos []ModelInfo) []ModelInfo {
	out := make([]ModelInfo, 0, len(infos))
	for _, info := range infos {
		if f.Match(info) {
			out = append(out, info)
		}
	}
	return out
}

func matchesClass(classes []string, want string) bool {
	want = strings.ToLower(want)
	for _, c := range classes {
		if strings.Contains(strings.ToLower(c), want) {
			return true
		}
	}
	return false
}

func matchesFamily(fam family.Family, want string) bool {
	switch strings.ToLower(want) {
	case "yolo":
		return fam == family.YOLO || fam == family.YOLOOBB
	case "yolo-obb", "obb":
		return fam == family.YOLOOBB
	case "mm", "mmrotate":
		return fam == family.MMRotate
	default:
		return strings.Contains(string(fam), strings.ToLower(want))
	}
}
