package llamacpp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSimpleQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request: %v", err)
		}
		if req.MaxTokens != 50 {
			t.Errorf("Expected max_tokens 50, got %d", req.MaxTokens)
		}
		parts, ok := req.Messages[0].Content.([]any)
		if !ok || len(parts) != 2 {
			t.Fatalf("Expected text and image parts, got %v", req.Messages[0].Content)
		}
		img := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
		if !strings.HasPrefix(img, "data:image/png;base64,") {
			t.Errorf("Expected png data URL, got %q", img)
		}
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"a dog on a beach"}}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL+"/", 50)
	out, err := c.SimpleQuery(context.Background(), "llava", "caption", "iVBORw0KGgoAAAA=")
	if err != nil {
		t.Fatal(err)
	}
	if out != "a dog on a beach" {
		t.Errorf("Unexpected answer %q", out)
	}
}

func TestSimpleQueryContentParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"two cats"}]}}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, 0)
	out, err := c.SimpleQuery(context.Background(), "m", "p", "")
	if err != nil {
		t.Fatal(err)
	}
	if out != "two cats" {
		t.Errorf("Unexpected answer %q", out)
	}
}

func TestSimpleQueryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, 0)
	if _, err := c.SimpleQuery(context.Background(), "m", "p", ""); err == nil {
		t.Error("Expected error for empty choices")
	}

	var statusErr *StatusError
	bad := &Client{baseURL: srv.URL, maxTokens: 1, httpClient: http.DefaultClient}
	if err := bad.post(context.Background(), completionsPath+"?fail=1", ChatCompletionRequest{}, &chatCompletionResponse{}); !errors.As(err, &statusErr) || statusErr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected StatusError 503, got %v", err)
	}

	if _, err := NewClient("localhost:8080", 0); err == nil {
		t.Error("Expected error for URL without scheme")
	}

	down, _ := NewClient("http://127.0.0.1:1", 0)
	if _, err := down.SimpleQuery(context.Background(), "m", "p", ""); err == nil {
		t.Error("Expected error for unreachable server")
	}
}
