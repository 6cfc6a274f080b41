package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	got := Config{}.systemPrompt()
	if !strings.Contains(got, "corrected text only") {
		t.Fatalf("unexpected default prompt: %q", got)
	}

	got = Config{Prompt: "custom instructions"}.systemPrompt()
	if got != "custom instructions" {
		t.Fatalf("override was not applied: %q", got)
	}

	got = Config{Vocabulary: []string{"Vimo", "Deepgram"}}.systemPrompt()
	if !strings.Contains(got, "Vimo, Deepgram") {
		t.Fatalf("vocabulary block missing: %q", got)
	}
}

func TestOpenAIRefineText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %q", got)
		}

		var req struct {
			Model       string    `json:"model"`
			Messages    []message `json:"messages"`
			Temperature float64   `json:"temperature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("unexpected model: %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.Messages[1].Content != "helo wrld" {
			t.Errorf("unexpected user content: %q", req.Messages[1].Content)
		}
		if !strings.Contains(req.Messages[0].Content, "Vimo") {
			t.Errorf("vocabulary missing from system prompt: %q", req.Messages[0].Content)
		}
		if req.Temperature != 0.3 {
			t.Errorf("unexpected temperature: %v", req.Temperature)
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Hello world.  "}}]}`))
	}))
	t.Cleanup(srv.Close)

	r := NewOpenAIRefiner(Config{
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		Vocabulary:  []string{"Vimo"},
		Temperature: 0.3,
	})
	got, err := r.RefineText(context.Background(), "helo wrld")
	if err != nil {
		t.Fatalf("RefineText failed: %v", err)
	}
	if got != "Hello world." {
		t.Fatalf("unexpected refined text: %q", got)
	}
}

func TestOpenAIEmptyInputSkipsNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty input")
	}))
	t.Cleanup(srv.Close)

	r := NewOpenAIRefiner(Config{APIKey: "test-key", BaseURL: srv.URL})
	got, err := r.RefineText(context.Background(), "   ")
	if err != nil {
		t.Fatalf("RefineText failed: %v", err)
	}
	if got != "   " {
		t.Fatalf("empty input should pass through, got %q", got)
	}
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	t.Parallel()

	r := NewOpenAIRefiner(Config{})
	if _, err := r.RefineText(context.Background(), "text"); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestOpenAIErrorEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	t.Cleanup(srv.Close)

	r := NewOpenAIRefiner(Config{APIKey: "test-key", BaseURL: srv.URL})
	_, err := r.RefineText(context.Background(), "text")
	if err == nil || err.Error() != "quota exceeded" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenAIEmptyContentIsAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	t.Cleanup(srv.Close)

	r := NewOpenAIRefiner(Config{APIKey: "test-key", BaseURL: srv.URL})
	if _, err := r.RefineText(context.Background(), "text"); err == nil {
		t.Fatal("expected empty content error")
	}
}

func TestOpenAITimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	r := NewOpenAIRefiner(Config{APIKey: "test-key", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if _, err := r.RefineText(context.Background(), "text"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDashScopeRefineText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ds-key" {
			t.Errorf("unexpected authorization header: %q", got)
		}

		var req struct {
			Model string `json:"model"`
			Input struct {
				Messages []message `json:"messages"`
			} `json:"input"`
			Parameters struct {
				ResultFormat string `json:"result_format"`
			} `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "qwen-turbo" {
			t.Errorf("unexpected model: %q", req.Model)
		}
		if req.Parameters.ResultFormat != "message" {
			t.Errorf("unexpected result_format: %q", req.Parameters.ResultFormat)
		}
		if len(req.Input.Messages) != 2 || req.Input.Messages[1].Content != "raw text" {
			t.Errorf("unexpected messages: %+v", req.Input.Messages)
		}

		_, _ = w.Write([]byte(`{"output":{"choices":[{"message":{"content":"clean text"}}]}}`))
	}))
	t.Cleanup(srv.Close)

	r := NewDashScopeRefiner(Config{APIKey: "ds-key", BaseURL: srv.URL})
	got, err := r.RefineText(context.Background(), "raw text")
	if err != nil {
		t.Fatalf("RefineText failed: %v", err)
	}
	if got != "clean text" {
		t.Fatalf("unexpected refined text: %q", got)
	}
}

func TestDashScopeErrorEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"InvalidParameter","message":"model not found"}`))
	}))
	t.Cleanup(srv.Close)

	r := NewDashScopeRefiner(Config{APIKey: "ds-key", BaseURL: srv.URL})
	_, err := r.RefineText(context.Background(), "text")
	if err == nil || err.Error() != "InvalidParameter: model not found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOllamaRefineText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected authorization header: %q", got)
		}

		var req struct {
			Model    string    `json:"model"`
			Messages []message `json:"messages"`
			Stream   bool      `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Stream {
			t.Error("streaming must be disabled")
		}
		if req.Model != "llama3.1" {
			t.Errorf("unexpected model: %q", req.Model)
		}

		_, _ = w.Write([]byte(`{"message":{"content":"tidy text"},"done":true}`))
	}))
	t.Cleanup(srv.Close)

	r := NewOllamaRefiner(Config{Endpoint: srv.URL})
	got, err := r.RefineText(context.Background(), "messy text")
	if err != nil {
		t.Fatalf("RefineText failed: %v", err)
	}
	if got != "tidy text" {
		t.Fatalf("unexpected refined text: %q", got)
	}
}

func TestOllamaErrorEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	t.Cleanup(srv.Close)

	r := NewOllamaRefiner(Config{Endpoint: srv.URL})
	_, err := r.RefineText(context.Background(), "text")
	if err == nil || err.Error() != "model 'missing' not found" {
		t.Fatalf("unexpected error: %v", err)
	}
}
