// Package family classifies models into detection families by the
// naming convention of their store folder.
package family

import "strings"

// Family identifies a class of detection model with a distinct native
// output format.
type Family string

const (
	YOLO     Family = "yolo"
	YOLOOBB  Family = "yolo-obb"
	MMRotate Family = "mmrotate"
	Unknown  Family = "unknown"
)

// Classify maps a store folder name to its model family. First match
// wins: yolo+obb, yolo, mm- prefix, otherwise unknown.
func Classify(folderName string) Family {
	name := strings.ToLower(folderName)

	if strings.Contains(name, "yolo") {
		if strings.Contains(name, "obb") {
			return YOLOOBB
		}
		return YOLO
	}
	if strings.HasPrefix(name, "mm-") {
		return MMRotate
	}
	return Unknown
}
