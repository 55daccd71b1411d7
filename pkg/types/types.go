package types

import (
	"fmt"
	"image"
)

// Box is an axis-aligned bounding box in pixel coordinates, top-left origin
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// NewBox builds a box and clamps its origin to non-negative coordinates,
// shrinking the extent by the amount cut off
func NewBox(x, y, w, h int) Box {
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return Box{X: x, Y: y, Width: w, Height: h}
}

// BoxFromCorners converts corner format (x1,y1,x2,y2) to a clamped Box
func BoxFromCorners(x1, y1, x2, y2 float64) Box {
	return NewBox(int(x1), int(y1), int(x2)-int(x1), int(y2)-int(y1))
}

// Rect returns the box as an image.Rectangle
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Visible returns b with a zero width or height grown to one pixel, so
// degenerate detections still cover a line of the image
func (b Box) Visible() Box {
	if b.Width == 0 {
		b.Width = 1
	}
	if b.Height == 0 {
		b.Height = 1
	}
	return b
}

// Area returns the box area in pixels
func (b Box) Area() int {
	return b.Width * b.Height
}

// Slice returns the box as [x, y, w, h]
func (b Box) Slice() []int {
	return []int{b.X, b.Y, b.Width, b.Height}
}

// Detection is one detected object instance
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

// DetectionSet is the backend-independent result of one detection run.
// Selection holds indices into Detections that survived filtering.
type DetectionSet struct {
	Detections []Detection    `json:"detections"`
	Classes    map[int]string `json:"classes"`
	Selection  []int          `json:"selection"`
}

// EmptySet returns a valid detection set with no detections
func EmptySet() DetectionSet {
	return DetectionSet{
		Detections: []Detection{},
		Classes:    map[int]string{},
		Selection:  []int{},
	}
}

// IdentitySelection returns [0, 1, ..., n-1]
func IdentitySelection(n int) []int {
	sel := make([]int, n)
	for i := range sel {
		sel[i] = i
	}
	return sel
}

// Validate checks that every selection index and every class id resolves
func (s DetectionSet) Validate() error {
	for _, idx := range s.Selection {
		if idx < 0 || idx >= len(s.Detections) {
			return fmt.Errorf("selection index %d out of range [0,%d)", idx, len(s.Detections))
		}
	}
	for i, d := range s.Detections {
		if _, ok := s.Classes[d.ClassID]; !ok {
			return fmt.Errorf("detection %d has unknown class id %d", i, d.ClassID)
		}
	}
	return nil
}

// Len returns the number of selected detections
func (s DetectionSet) Len() int {
	return len(s.Selection)
}

// Label returns the class name of the detection at index i
func (s DetectionSet) Label(i int) string {
	if i < 0 || i >= len(s.Detections) {
		return ""
	}
	return s.Classes[s.Detections[i].ClassID]
}

// At returns the detection at selection position pos
func (s DetectionSet) At(pos int) (Detection, string, error) {
	if pos < 0 || pos >= len(s.Selection) {
		return Detection{}, "", fmt.Errorf("selection position %d out of range [0,%d)", pos, len(s.Selection))
	}
	idx := s.Selection[pos]
	return s.Detections[idx], s.Label(idx), nil
}

// Selected returns the surviving detections in selection order
func (s DetectionSet) Selected() []Detection {
	out := make([]Detection, 0, len(s.Selection))
	for _, idx := range s.Selection {
		out = append(out, s.Detections[idx])
	}
	return out
}

// AverageConfidence returns the mean confidence of the selected detections
func (s DetectionSet) AverageConfidence() float64 {
	if len(s.Selection) == 0 {
		return 0
	}
	var sum float64
	for _, idx := range s.Selection {
		sum += s.Detections[idx].Confidence
	}
	return sum / float64(len(s.Selection))
}

// ClassCount is a class name with its number of occurrences
type ClassCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ClassCounts counts selected detections per class name in first-seen order
func (s DetectionSet) ClassCounts() []ClassCount {
	var counts []ClassCount
	pos := map[string]int{}
	for _, idx := range s.Selection {
		name := s.Label(idx)
		if i, ok := pos[name]; ok {
			counts[i].Count++
			continue
		}
		pos[name] = len(counts)
		counts = append(counts, ClassCount{Name: name, Count: 1})
	}
	return counts
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
	Format      string  `json:"format,omitempty"`
}
