package types

import (
	"image"
	"testing"
)

func sampleSet() DetectionSet {
	return DetectionSet{
		Detections: []Detection{
			{Box: Box{X: 10, Y: 10, Width: 20, Height: 40}, Confidence: 0.9, ClassID: 0},
			{Box: Box{X: 50, Y: 60, Width: 30, Height: 20}, Confidence: 0.6, ClassID: 0},
			{Box: Box{X: 5, Y: 5, Width: 10, Height: 10}, Confidence: 0.3, ClassID: 16},
		},
		Classes:   map[int]string{0: "person", 16: "dog"},
		Selection: []int{0, 1, 2},
	}
}

func TestNewBoxClampsNegativeOrigin(t *testing.T) {
	b := NewBox(-10, -5, 30, 20)
	if b.X != 0 || b.Y != 0 {
		t.Errorf("Expected origin (0,0), got (%d,%d)", b.X, b.Y)
	}
	if b.Width != 20 || b.Height != 15 {
		t.Errorf("Expected 20x15, got %dx%d", b.Width, b.Height)
	}

	b = NewBox(-50, 0, 10, 10)
	if b.Width != 0 {
		t.Errorf("Box entirely left of origin should have zero width, got %d", b.Width)
	}
}

func TestBoxFromCorners(t *testing.T) {
	b := BoxFromCorners(12.7, 20.2, 112.9, 70.4)
	if b.X != 12 || b.Y != 20 || b.Width != 100 || b.Height != 50 {
		t.Errorf("Unexpected box %+v", b)
	}
	if b.Rect() != image.Rect(12, 20, 112, 70) {
		t.Errorf("Unexpected rect %v", b.Rect())
	}
	if b.Area() != 5000 {
		t.Errorf("Expected area 5000, got %d", b.Area())
	}
}

func TestEmptySetIsValid(t *testing.T) {
	s := EmptySet()
	if err := s.Validate(); err != nil {
		t.Errorf("Empty set should validate: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Expected 0 selected, got %d", s.Len())
	}
	if s.AverageConfidence() != 0 {
		t.Errorf("Expected zero average confidence")
	}
}

func TestValidate(t *testing.T) {
	s := sampleSet()
	if err := s.Validate(); err != nil {
		t.Fatalf("Sample set should validate: %v", err)
	}

	bad := sampleSet()
	bad.Selection = []int{0, 3}
	if err := bad.Validate(); err == nil {
		t.Error("Out-of-range selection should fail validation")
	}

	bad = sampleSet()
	bad.Detections[1].ClassID = 99
	if err := bad.Validate(); err == nil {
		t.Error("Unknown class id should fail validation")
	}
}

func TestClassCountsFirstSeenOrder(t *testing.T) {
	s := sampleSet()
	counts := s.ClassCounts()
	if len(counts) != 2 {
		t.Fatalf("Expected 2 classes, got %d", len(counts))
	}
	if counts[0].Name != "person" || counts[0].Count != 2 {
		t.Errorf("Unexpected first count %+v", counts[0])
	}
	if counts[1].Name != "dog" || counts[1].Count != 1 {
		t.Errorf("Unexpected second count %+v", counts[1])
	}

	// Only selected detections are counted
	s.Selection = []int{2}
	counts = s.ClassCounts()
	if len(counts) != 1 || counts[0].Name != "dog" {
		t.Errorf("Expected only dog, got %+v", counts)
	}
}

func TestAtAndSelected(t *testing.T) {
	s := sampleSet()
	s.Selection = []int{2, 0}

	d, label, err := s.At(0)
	if err != nil {
		t.Fatal(err)
	}
	if label != "dog" || d.Confidence != 0.3 {
		t.Errorf("Unexpected detection at position 0: %s %+v", label, d)
	}
	if _, _, err := s.At(2); err == nil {
		t.Error("Expected error for out-of-range position")
	}

	sel := s.Selected()
	if len(sel) != 2 || sel[1].Confidence != 0.9 {
		t.Errorf("Unexpected selected detections %+v", sel)
	}

	avg := s.AverageConfidence()
	if avg < 0.5999 || avg > 0.6001 {
		t.Errorf("Expected average 0.6, got %f", avg)
	}
}

func TestIdentitySelection(t *testing.T) {
	sel := IdentitySelection(4)
	for i, v := range sel {
		if v != i {
			t.Errorf("Expected %d at %d, got %d", i, i, v)
		}
	}
	if len(IdentitySelection(0)) != 0 {
		t.Error("Expected empty selection")
	}
}
