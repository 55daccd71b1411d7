// Package models maps the user-facing model selectors to detector backends
// and loads them.
package models

import (
	"fmt"

	"github.com/menta2k/image-detector/pkg/detection"
)

// Model selectors offered by the UI. Matching is exact.
const (
	SelectorYOLO11 = "YOLO11"
	SelectorPC     = "MY YOLO (PC Setup)"
	SelectorDETR   = "DETR"
	SelectorYOLOv3 = "YOLOv3"
)

// Entry describes one selectable model
type Entry struct {
	Selector string         `json:"selector"`
	Kind     detection.Kind `json:"-"`
	KindName string         `json:"kind"`
	// Weights is the default weights path relative to the models directory.
	// Empty for backends that are reached over the network.
	Weights string `json:"weights,omitempty"`
}

var registry = []Entry{
	{Selector: SelectorYOLO11, Kind: detection.KindSingleStage, Weights: "yolo11n.onnx"},
	{Selector: SelectorPC, Kind: detection.KindSingleStage, Weights: "yolo11_pc.onnx"},
	{Selector: SelectorDETR, Kind: detection.KindTransformer},
	{Selector: SelectorYOLOv3, Kind: detection.KindLegacy, Weights: "yolov3.weights"},
}

// Kinds returns the selectors in UI order
func Kinds() []string {
	out := make([]string, len(registry))
	for i, e := range registry {
		out[i] = e.Selector
	}
	return out
}

// Entries returns a copy of the registry with kind names filled in
func Entries() []Entry {
	out := make([]Entry, len(registry))
	for i, e := range registry {
		e.KindName = e.Kind.String()
		out[i] = e
	}
	return out
}

// Lookup finds the entry for selector
func Lookup(selector string) (Entry, bool) {
	for _, e := range registry {
		if e.Selector == selector {
			e.KindName = e.Kind.String()
			return e, true
		}
	}
	return Entry{}, false
}

// ParseKind returns the backend kind behind selector, or KindUnknown
func ParseKind(selector string) detection.Kind {
	if e, ok := Lookup(selector); ok {
		return e.Kind
	}
	return detection.KindUnknown
}

// LoadError reports a model that could not be loaded: missing weights,
// config or class-name files, or a backend that failed to initialize.
type LoadError struct {
	Selector string
	Kind     detection.Kind
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s (%s): %v", e.Selector, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
