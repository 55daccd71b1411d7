package detection

import (
	"math"
	"sort"

	"github.com/menta2k/image-detector/pkg/types"
)

// Suppressor runs non-max suppression over one group of boxes and returns
// the indices of the boxes to keep. Boxes scoring below scoreThreshold are
// dropped; a box is discarded when its IoU with a kept box exceeds
// nmsThreshold.
type Suppressor func(boxes []types.Box, scores []float64, scoreThreshold, nmsThreshold float64) []int

// IoU returns the intersection-over-union of two boxes
func IoU(a, b types.Box) float64 {
	x1 := math.Max(float64(a.X), float64(b.X))
	y1 := math.Max(float64(a.Y), float64(b.Y))
	x2 := math.Min(float64(a.X+a.Width), float64(b.X+b.Width))
	y2 := math.Min(float64(a.Y+a.Height), float64(b.Y+b.Height))

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := float64(a.Area()+b.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// GreedyNMS keeps the highest scoring box of every overlapping cluster
func GreedyNMS(boxes []types.Box, scores []float64, scoreThreshold, nmsThreshold float64) []int {
	order := make([]int, 0, len(boxes))
	for i := range boxes {
		if scores[i] >= scoreThreshold {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	suppressed := make([]bool, len(boxes))
	var keep []int
	for n, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		for _, j := range order[n+1:] {
			if !suppressed[j] && IoU(boxes[i], boxes[j]) > nmsThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// SuppressPerClass runs the suppressor separately for every class so that
// overlapping boxes of different classes never suppress each other. The
// result is ordered by descending confidence.
func SuppressPerClass(dets []types.Detection, scoreThreshold, nmsThreshold float64, suppress Suppressor) []int {
	if suppress == nil {
		suppress = GreedyNMS
	}

	groups := map[int][]int{}
	var classOrder []int
	for i, d := range dets {
		if _, ok := groups[d.ClassID]; !ok {
			classOrder = append(classOrder, d.ClassID)
		}
		groups[d.ClassID] = append(groups[d.ClassID], i)
	}

	keep := []int{}
	for _, classID := range classOrder {
		members := groups[classID]
		boxes := make([]types.Box, len(members))
		scores := make([]float64, len(members))
		for n, i := range members {
			boxes[n] = dets[i].Box
			scores[n] = dets[i].Confidence
		}
		for _, n := range suppress(boxes, scores, scoreThreshold, nmsThreshold) {
			if n >= 0 && n < len(members) {
				keep = append(keep, members[n])
			}
		}
	}

	sort.SliceStable(keep, func(i, j int) bool {
		return dets[keep[i]].Confidence > dets[keep[j]].Confidence
	})
	return keep
}
