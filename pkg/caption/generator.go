// Package caption produces natural-language descriptions of an image, either
// from a vision language model or from the detected class counts.
package caption

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/pkg/client"
	"github.com/menta2k/image-detector/pkg/processing"
	"github.com/menta2k/image-detector/pkg/types"
)

const (
	// FallbackCaption is returned when the captioning model cannot answer
	FallbackCaption = "Unable to generate caption for this image."
	// NoObjectsCaption is the summary of an empty detection set
	NoObjectsCaption = "No objects detected in the image"
	// DefaultPrompt asks the model for a single short caption
	DefaultPrompt = "Describe this image in one short sentence. Reply with the caption only."
)

// ErrNoClient is returned when no captioning backend is configured
var ErrNoClient = errors.New("captioning backend not configured")

// Config holds captioning settings
type Config struct {
	Model        string
	Prompt       string
	MaxLength    int
	MaxImageSize int
	Quality      int
}

// DefaultConfig returns the defaults used by the demo
func DefaultConfig() Config {
	return Config{
		Model:        "llava",
		Prompt:       DefaultPrompt,
		MaxLength:    50,
		MaxImageSize: 768,
		Quality:      85,
	}
}

// Generator asks a vision client for captions
type Generator struct {
	client    client.VisionClient
	processor *processing.Processor
	cfg       Config
	log       logrus.FieldLogger
}

// New creates a caption generator. A nil client is allowed; every caption
// then falls back.
func New(c client.VisionClient, cfg Config, log logrus.FieldLogger) *Generator {
	def := DefaultConfig()
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	if cfg.Quality <= 0 {
		cfg.Quality = def.Quality
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Generator{
		client:    c,
		processor: processing.NewProcessor(),
		cfg:       cfg,
		log:       log,
	}
}

// Model returns the captioning model name
func (g *Generator) Model() string {
	return g.cfg.Model
}

// GenerateResult captions the raw uploaded image bytes
func (g *Generator) GenerateResult(ctx context.Context, imageBytes []byte) (string, error) {
	if g == nil || g.client == nil {
		return "", ErrNoClient
	}

	img, _, err := g.processor.DecodeImage(imageBytes)
	if err != nil {
		return "", err
	}
	imgB64, err := g.processor.PrepareImageForModel(img, "jpg", g.cfg.MaxImageSize, g.cfg.Quality)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	raw, err := g.client.SimpleQuery(ctx, g.cfg.Model, g.cfg.Prompt, imgB64)
	if err != nil {
		return "", err
	}

	text := clean(raw, g.cfg.MaxLength)
	if text == "" {
		return "", errors.New("empty caption")
	}
	return text, nil
}

// Generate captions the image and never fails: any error is logged and the
// fallback caption returned instead
func (g *Generator) Generate(ctx context.Context, imageBytes []byte) string {
	text, err := g.GenerateResult(ctx, imageBytes)
	if err != nil {
		var log logrus.FieldLogger = logrus.StandardLogger()
		if g != nil {
			log = g.log
		}
		log.WithError(err).Warn("caption generation failed, using fallback")
		return FallbackCaption
	}
	return text
}

// Summarize builds a caption from class counts, e.g.
// "Image contains 2 persons, a dog"
func Summarize(set types.DetectionSet) string {
	counts := set.ClassCounts()
	if len(counts) == 0 {
		return NoObjectsCaption
	}

	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		if c.Count == 1 {
			parts = append(parts, "a "+c.Name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", c.Count, c.Name))
		}
	}
	return "Image contains " + strings.Join(parts, ", ")
}

var spaces = regexp.MustCompile(`\s+`)

// clean strips code fences, quotes and labels from a model answer and caps
// it at maxWords words
func clean(raw string, maxWords int) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "`")
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"caption:", "Caption:"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	s = spaces.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	if maxWords > 0 && len(words) > maxWords {
		s = strings.Join(words[:maxWords], " ")
	}
	return strings.TrimSpace(s)
}
