// Package detector - Non-Maximum Suppression for raw model output.
package detector

import (
	"sort"

	"github.com/orchardvision/go-detect/images"
)

// ApplyNMS performs greedy Non-Maximum Suppression.
//
// Detections are sorted by descending confidence; each surviving anchor
// suppresses later boxes whose IoU with it exceeds the threshold.
//
// Arguments:
//   - detections: Candidate detections in any order.
//   - iouThreshold: IoU above which overlapping boxes are suppressed.
//
// Returns:
//   - []Detection: Filtered detections, highest score first. Nil when the
//     input is empty.
func ApplyNMS(detections []Detection, iouThreshold float32) []Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	sorted := make([]Detection, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	filtered := make([]Detection, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := sorted[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if images.CalculateIoU(anchor.Box, sorted[j].Box) > iouThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
