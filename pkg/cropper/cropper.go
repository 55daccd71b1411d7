// Package cropper cuts detection close-ups out of an image, optionally with
// padding around the box, always clamped to the image bounds.
package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/image-detector/pkg/types"
)

var (
	// ErrOutsideImage is returned when a box does not overlap the image
	ErrOutsideImage = errors.New("box lies outside the image")
	// ErrInvalidBox is returned for boxes with a negative extent
	ErrInvalidBox = errors.New("invalid box")
)

// CropConfig holds configuration for close-up crops
type CropConfig struct {
	// PaddingRatio grows the box by this fraction of its size on every side
	PaddingRatio float64
	// MinSize is the smallest close-up side; smaller crops are upscaled
	// when AllowUpscaling is set
	MinSize        int
	AllowUpscaling bool
}

// BoxCropper produces detection close-ups
type BoxCropper struct {
	config CropConfig
}

// New creates a cropper that returns exactly the box
func New() *BoxCropper {
	return &BoxCropper{}
}

// NewWithConfig creates a cropper with custom configuration
func NewWithConfig(config CropConfig) *BoxCropper {
	if config.PaddingRatio < 0 {
		config.PaddingRatio = 0
	}
	return &BoxCropper{config: config}
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	Image image.Image
	// Region is the clamped rectangle in source coordinates
	Region image.Rectangle
	// Clamped is set when the requested region reached past the image
	Clamped bool
}

// Crop cuts box out of img using the configured padding
func (c *BoxCropper) Crop(img image.Image, box types.Box) (CropResult, error) {
	return c.CropWithPadding(img, box, c.config.PaddingRatio)
}

// Region returns the box grown by paddingRatio and clamped to bounds, and
// whether clamping changed it. Zero-width or zero-height boxes cover one
// pixel.
func Region(box types.Box, bounds image.Rectangle, paddingRatio float64) (image.Rectangle, bool, error) {
	if box.Width < 0 || box.Height < 0 {
		return image.Rectangle{}, false, fmt.Errorf("%w %dx%d", ErrInvalidBox, box.Width, box.Height)
	}
	box = box.Visible()

	padX := int(math.Round(float64(box.Width) * paddingRatio))
	padY := int(math.Round(float64(box.Height) * paddingRatio))
	// built field by field: image.Rect would swap inverted corners
	want := image.Rectangle{
		Min: image.Pt(bounds.Min.X+box.X-padX, bounds.Min.Y+box.Y-padY),
		Max: image.Pt(bounds.Min.X+box.X+box.Width+padX, bounds.Min.Y+box.Y+box.Height+padY),
	}

	region := want.Intersect(bounds)
	if region.Empty() {
		return image.Rectangle{}, false, fmt.Errorf("%w: %v", ErrOutsideImage, box.Rect())
	}
	return region, region != want, nil
}

// CropWithPadding cuts box grown by paddingRatio out of img
func (c *BoxCropper) CropWithPadding(img image.Image, box types.Box, paddingRatio float64) (CropResult, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return CropResult{}, fmt.Errorf("invalid image dimensions")
	}
	region, clamped, err := Region(box, bounds, paddingRatio)
	if err != nil {
		return CropResult{}, err
	}

	var out image.Image = imaging.Crop(img, region)
	if c.config.AllowUpscaling && c.config.MinSize > 0 {
		out = c.upscale(out)
	}

	return CropResult{
		Image:   out,
		Region:  region,
		Clamped: clamped,
	}, nil
}

// upscale grows img so its shorter side reaches MinSize
func (c *BoxCropper) upscale(img image.Image) image.Image {
	b := img.Bounds()
	short := b.Dx()
	if b.Dy() < short {
		short = b.Dy()
	}
	if short >= c.config.MinSize {
		return img
	}
	scale := float64(c.config.MinSize) / float64(short)
	return imaging.Resize(img, int(math.Round(float64(b.Dx())*scale)), int(math.Round(float64(b.Dy())*scale)), imaging.Lanczos)
}

// CropAll cuts every selected detection out of img in selection order.
// Detections outside the image are skipped.
func (c *BoxCropper) CropAll(img image.Image, set types.DetectionSet) []CropResult {
	var results []CropResult
	for _, det := range set.Selected() {
		result, err := c.Crop(img, det.Box)
		if err != nil {
			continue
		}
		results = append(results, result)
	}
	return results
}
