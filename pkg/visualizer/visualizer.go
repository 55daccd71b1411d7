// Package visualizer draws detection results onto images: every selected
// box, a single focused box with a close-up crop, and a caption band.
package visualizer

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"unicode"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/disintegration/imaging"

	"github.com/menta2k/image-detector/pkg/cropper"
	"github.com/menta2k/image-detector/pkg/processing"
	"github.com/menta2k/image-detector/pkg/types"
)

const (
	// ShowAll is the option label that renders every detection
	ShowAll = "Show all"

	CaptionBandHeight = 80
	CaptionLineWidth  = 60
	CaptionMaxLines   = 2
	captionFirstLine  = 30
	captionLineStep   = 25
	captionMarginX    = 10
)

// Config controls rendering
type Config struct {
	Palette     Palette
	Stroke      int
	FocusStroke int
	// FocusDim darkens everything outside the focused box, in [0,1]
	FocusDim float64
	// Closeup controls the crops returned by RenderFocus and Closeup
	Closeup cropper.CropConfig
}

// DefaultConfig returns the default rendering settings
func DefaultConfig() Config {
	return Config{
		Palette:     DefaultPalette(),
		Stroke:      2,
		FocusStroke: 3,
		FocusDim:    0.35,
	}
}

// Visualizer renders detection sets
type Visualizer struct {
	cfg     Config
	cropper *cropper.BoxCropper
}

// New creates a visualizer
func New(cfg Config) *Visualizer {
	if cfg.Stroke <= 0 {
		cfg.Stroke = 2
	}
	if cfg.FocusStroke <= 0 {
		cfg.FocusStroke = 3
	}
	if cfg.FocusDim < 0 {
		cfg.FocusDim = 0
	}
	if cfg.FocusDim > 1 {
		cfg.FocusDim = 1
	}
	return &Visualizer{cfg: cfg, cropper: cropper.NewWithConfig(cfg.Closeup)}
}

// ColorFor returns the box color for a class name
func (v *Visualizer) ColorFor(label string) color.NRGBA {
	return v.cfg.Palette.Color(Classify(label))
}

// FormatLabel renders "{name}: {conf%}", e.g. "dog: 87.3%"
func FormatLabel(name string, confidence float64) string {
	return fmt.Sprintf("%s: %.1f%%", name, confidence*100)
}

// RenderAll draws every selected detection on a copy of img
func (v *Visualizer) RenderAll(img image.Image, set types.DetectionSet) *image.NRGBA {
	out := imaging.Clone(img)
	for _, idx := range set.Selection {
		if idx < 0 || idx >= len(set.Detections) {
			continue
		}
		v.drawDetection(out, set.Detections[idx], set.Label(idx), v.cfg.Stroke)
	}
	return out
}

// RenderFocus draws only the detection at selection position pos, dims the
// rest of the image, and returns a crop of the original restricted to the
// box. The crop is clamped to the image bounds; a box that misses the image
// entirely yields an undimmed rendering and an empty crop. Only an
// out-of-range position is an error.
func (v *Visualizer) RenderFocus(img image.Image, set types.DetectionSet, pos int) (*image.NRGBA, image.Image, error) {
	det, label, err := set.At(pos)
	if err != nil {
		return nil, nil, err
	}

	base := imaging.Clone(img)
	closeup, err := v.cropper.CropWithPadding(base, det.Box, 0)
	if err != nil {
		return base, image.NewNRGBA(image.Rectangle{}), nil
	}

	out := base
	if v.cfg.FocusDim > 0 {
		dimmed := imaging.Clone(adjust.Brightness(base, -v.cfg.FocusDim))
		out = imaging.Paste(dimmed, imaging.Crop(base, closeup.Region), closeup.Region.Min)
	}
	v.drawDetection(out, det, label, v.cfg.FocusStroke)

	return out, closeup.Image, nil
}

// Closeup crops the detection at selection position pos grown by padding, a
// fraction of the box size
func (v *Visualizer) Closeup(img image.Image, set types.DetectionSet, pos int, padding float64) (image.Image, error) {
	det, _, err := set.At(pos)
	if err != nil {
		return nil, err
	}
	closeup, err := v.cropper.CropWithPadding(img, det.Box, padding)
	if err != nil {
		return nil, fmt.Errorf("detection %d: %w", pos, err)
	}
	return closeup.Image, nil
}

func (v *Visualizer) drawDetection(img *image.NRGBA, det types.Detection, label string, stroke int) {
	c := v.ColorFor(label)
	rect := processing.ClampBox(det.Box.Visible(), img.Bounds())
	if rect.Empty() {
		return
	}
	drawRect(img, rect, c, stroke)

	text := FormatLabel(label, det.Confidence)
	drawLabel(img, labelRect(rect, text), text, c)
}

// OverlayCaption reserves a black band at the bottom of a copy of img and
// writes the caption into it, wrapped to at most two lines. Anything beyond
// the second line is dropped.
func (v *Visualizer) OverlayCaption(img image.Image, caption string) *image.NRGBA {
	out := imaging.Clone(img)
	b := out.Bounds()

	top := b.Dy() - CaptionBandHeight
	if top < 0 {
		top = 0
	}
	fillRect(out, image.Rect(0, top, b.Dx(), b.Dy()), color.NRGBA{0, 0, 0, 255})

	y := top + captionFirstLine
	for i, line := range WrapCaption(caption, CaptionLineWidth, CaptionMaxLines) {
		drawText(out, captionMarginX, y+i*captionLineStep, line, color.White)
	}
	return out
}

// WrapCaption splits caption into lines shorter than width characters and
// keeps at most maxLines of them
func WrapCaption(caption string, width, maxLines int) []string {
	var lines []string
	current := ""
	for _, word := range strings.Fields(caption) {
		if current == "" {
			current = word
			continue
		}
		candidate := current + " " + word
		if len(candidate) < width {
			current = candidate
			continue
		}
		lines = append(lines, current)
		current = word
	}
	if current != "" {
		lines = append(lines, current)
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}

// OptionLabels lists the selector options: ShowAll followed by one entry per
// selected detection, e.g. "2. Dog (%87.3)"
func OptionLabels(set types.DetectionSet) []string {
	opts := make([]string, 0, len(set.Selection)+1)
	opts = append(opts, ShowAll)
	for pos, idx := range set.Selection {
		opts = append(opts, fmt.Sprintf("%d. %s (%%%.1f)", pos+1, capitalize(set.Label(idx)), set.Detections[idx].Confidence*100))
	}
	return opts
}

// ParseOption maps an option label back to a selection position. all is true
// for ShowAll. Only the leading number of a detection label is significant.
func ParseOption(set types.DetectionSet, option string) (pos int, all bool, err error) {
	option = strings.TrimSpace(option)
	if option == "" || strings.EqualFold(option, ShowAll) {
		return 0, true, nil
	}

	head := option
	if i := strings.Index(option, "."); i >= 0 {
		head = option[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, false, fmt.Errorf("invalid option %q", option)
	}
	if n < 1 || n > len(set.Selection) {
		return 0, false, fmt.Errorf("option %q out of range: %d detections", option, len(set.Selection))
	}
	return n - 1, false, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
