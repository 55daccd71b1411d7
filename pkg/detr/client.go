// Package detr talks to a transformer object-detection service that answers
// with labelled corner boxes, such as a DETR pipeline behind an HTTP endpoint.
package detr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/processing"
)

// DefaultModel is the transformer checkpoint requested when none is configured
const DefaultModel = "facebook/detr-resnet-50"

// Config holds settings for the transformer detection client
type Config struct {
	URL       string
	Model     string
	Token     string
	Threshold float64
	Timeout   time.Duration
}

// Client is an HTTP client for a transformer detection endpoint
type Client struct {
	cfg        Config
	httpClient *http.Client
	processor  *processing.Processor
	log        logrus.FieldLogger
}

type detectRequest struct {
	Model     string  `json:"model"`
	Image     string  `json:"image"`
	Threshold float64 `json:"threshold,omitempty"`
}

// NewClient creates a client for the endpoint in cfg
func NewClient(cfg Config, log logrus.FieldLogger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("detr endpoint URL is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme: %s", cfg.URL)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		processor:  processing.NewProcessor(),
		log:        log,
	}, nil
}

// Infer posts the image and returns the predicted records
func (c *Client) Infer(ctx context.Context, img image.Image) ([]detection.Record, error) {
	imgB64, err := c.processor.PrepareImageForModel(img, "jpg", 0, 95)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	body, err := c.sendRequest(ctx, detectRequest{
		Model:     c.cfg.Model,
		Image:     imgB64,
		Threshold: c.cfg.Threshold,
	})
	if err != nil {
		return nil, err
	}

	var records []detection.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"model":   c.cfg.Model,
		"records": len(records),
	}).Debug("detr response received")
	return records, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) sendRequest(ctx context.Context, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
