package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSimpleQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request: %v", err)
		}
		opts, _ := req["options"].(map[string]any)
		if opts["num_predict"] != float64(50) {
			t.Errorf("Expected num_predict 50, got %v", opts["num_predict"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llava","message":{"role":"assistant","content":"a man riding a horse"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/chat", 50)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.SimpleQuery(context.Background(), "llava", "caption this", "aGVsbG8=")
	if err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
	if out != "a man riding a horse" {
		t.Errorf("Unexpected answer %q", out)
	}
}

func TestSimpleQueryBadImage(t *testing.T) {
	c, err := NewClient("http://localhost:11434", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SimpleQuery(context.Background(), "llava", "p", "%%%"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}

func TestNewClientInvalidURL(t *testing.T) {
	if _, err := NewClient("not a url", 0); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}
