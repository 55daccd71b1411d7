// Package llamacpp talks to a llama.cpp server through its OpenAI-compatible
// chat completions endpoint.
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	completionsPath = "/v1/chat/completions"
	defaultURL      = "http://localhost:8080"
	defaultTokens   = 256
	queryTimeout    = 300 * time.Second
	maxErrorBody    = 4096
)

// Client queries a multimodal model served by llama.cpp
type Client struct {
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// Message is one chat turn. Content is a string or a list of parts.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is a text or image_url part of a user message
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// ChatCompletionRequest is the request body of completionsPath
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StatusError is returned when the server answers with a non-200 status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llama.cpp server returned status %d: %s", e.Code, e.Body)
}

// NewClient creates a client for serverURL. maxTokens caps the answer
// length; zero picks a default suited to captions.
func NewClient(serverURL string, maxTokens int) (*Client, error) {
	if serverURL == "" {
		serverURL = defaultURL
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("invalid URL: %s", serverURL)
	}
	if maxTokens <= 0 {
		maxTokens = defaultTokens
	}

	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// imageMIME guesses the media type of a base64 payload from its magic bytes
func imageMIME(imgB64 string) string {
	switch {
	case strings.HasPrefix(imgB64, "iVBORw0KGgo"):
		return "image/png"
	case strings.HasPrefix(imgB64, "UklGR"):
		return "image/webp"
	}
	return "image/jpeg"
}

// SimpleQuery sends prompt and an optional base64 image as a single user
// turn and returns the first text answer
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, queryTimeout)
		defer cancel()
	}

	parts := []ContentPart{{Type: "text", Text: prompt}}
	if imgB64 != "" {
		parts = append(parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:" + imageMIME(imgB64) + ";base64," + imgB64},
		})
	}

	var resp chatCompletionResponse
	err := c.post(ctx, completionsPath, ChatCompletionRequest{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: parts}},
		Temperature: 0.2,
		MaxTokens:   c.maxTokens,
		TopP:        0.9,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return contentText(resp.Choices[0].Message.Content)
}

// contentText extracts the answer from a string or a list of content parts
func contentText(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text != "" {
			return text, nil
		}
		return "", errors.New("empty answer")
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unexpected content: %w", err)
	}
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			return p.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
