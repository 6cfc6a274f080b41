package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaRefiner talks to a local Ollama chat endpoint. No credentials.
type OllamaRefiner struct {
	cfg    Config
	client *http.Client
}

func NewOllamaRefiner(cfg Config) *OllamaRefiner {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	return &OllamaRefiner{cfg: cfg, client: &http.Client{Timeout: cfg.httpTimeout()}}
}

func (r *OllamaRefiner) RefineText(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	payload, err := json.Marshal(struct {
		Model    string    `json:"model"`
		Messages []message `json:"messages"`
		Stream   bool      `json:"stream"`
		Options  struct {
			Temperature float64 `json:"temperature,omitempty"`
		} `json:"options"`
	}{
		Model:    r.cfg.Model,
		Messages: r.cfg.messages(text),
		Stream:   false,
		Options: struct {
			Temperature float64 `json:"temperature,omitempty"`
		}{Temperature: r.cfg.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refinement request: %w", err)
	}

	endpoint := strings.TrimRight(r.cfg.Endpoint, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build refinement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("refinement request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read refinement response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.New(ollamaErrorDetail(resp.StatusCode, data))
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("unexpected refinement response: %w", err)
	}
	content := strings.TrimSpace(result.Message.Content)
	if content == "" {
		return "", errors.New("refinement returned empty content")
	}
	return content, nil
}

func ollamaErrorDetail(status int, body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Error) != "" {
		return envelope.Error
	}
	return fmt.Sprintf("HTTP %d", status)
}
