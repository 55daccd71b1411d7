// Package analyzer validates uploaded images before they reach a detector.
package analyzer

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/image-detector/pkg/processing"
	"github.com/menta2k/image-detector/pkg/types"
)

var (
	ErrEmptyUpload       = errors.New("empty upload")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageTooSmall     = errors.New("image too small")
	ErrUploadTooLarge    = errors.New("upload too large")
)

// ImageAnalyzer decodes and checks uploads
type ImageAnalyzer struct {
	config    Config
	processor *processing.Processor
}

// Config holds configuration for the image analyzer
type Config struct {
	DefaultQuality   int
	SupportedFormats []string
	MinImageSize     int
	// MaxBytes rejects larger uploads; 0 disables the check
	MaxBytes int64
}

// DefaultConfig accepts JPEG, PNG and WebP of at least 16px per side
func DefaultConfig() Config {
	return Config{
		DefaultQuality:   85,
		SupportedFormats: []string{"jpg", "jpeg", "png", "webp"},
		MinImageSize:     16,
		MaxBytes:         32 << 20,
	}
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config, processor: processing.NewProcessor()}
}

// Upload is a decoded, validated image
type Upload struct {
	Image image.Image
	Data  []byte
	Info  types.ImageInfo
}

// DecodeUpload decodes raw bytes and validates format and size
func (a *ImageAnalyzer) DecodeUpload(data []byte) (*Upload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if a.config.MaxBytes > 0 && int64(len(data)) > a.config.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes (maximum: %d)", ErrUploadTooLarge, len(data), a.config.MaxBytes)
	}

	img, format, err := a.processor.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if !a.isFormatSupported(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err := a.ValidateImage(img); err != nil {
		return nil, err
	}

	info := a.GetImageInfo(img)
	info.Format = format
	return &Upload{Image: img, Data: data, Info: info}, nil
}

// LoadImage reads and validates an image file
func (a *ImageAnalyzer) LoadImage(path string) (*Upload, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()
	return a.LoadImageFromReader(file)
}

// LoadSource reads and validates an image from a file path or an http(s) URL
func (a *ImageAnalyzer) LoadSource(source string) (*Upload, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return a.LoadImage(source)
	}
	data, err := a.processor.FetchImage(source)
	if err != nil {
		return nil, err
	}
	return a.DecodeUpload(data)
}

// LoadImageFromReader reads and validates an image from an io.Reader
func (a *ImageAnalyzer) LoadImageFromReader(reader io.Reader) (*Upload, error) {
	var limited io.Reader = reader
	if a.config.MaxBytes > 0 {
		limited = io.LimitReader(reader, a.config.MaxBytes+1)
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return a.DecodeUpload(data)
}

// SaveImage saves an image to file; the extension picks the format
func (a *ImageAnalyzer) SaveImage(img image.Image, path string) error {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("unsupported output format: %s", ext)
	}
	return a.processor.SaveImage(img, path, ext, a.config.DefaultQuality, false)
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) types.ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := types.ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	format = normalizeFormat(format)
	for _, supported := range a.config.SupportedFormats {
		if format == normalizeFormat(supported) {
			return true
		}
	}
	return false
}

func normalizeFormat(format string) string {
	format = strings.ToLower(format)
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("%w: %dx%d (minimum: %d)", ErrImageTooSmall,
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}
