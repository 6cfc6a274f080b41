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

const dashscopeGenerationURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

// DashScopeRefiner talks to the DashScope native text-generation API.
type DashScopeRefiner struct {
	cfg    Config
	client *http.Client
}

func NewDashScopeRefiner(cfg Config) *DashScopeRefiner {
	if cfg.BaseURL == "" {
		cfg.BaseURL = dashscopeGenerationURL
	}
	if cfg.Model == "" {
		cfg.Model = "qwen-turbo"
	}
	return &DashScopeRefiner{cfg: cfg, client: &http.Client{Timeout: cfg.httpTimeout()}}
}

func (r *DashScopeRefiner) RefineText(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return "", errors.New("llm API key is not configured")
	}

	payload, err := json.Marshal(struct {
		Model string `json:"model"`
		Input struct {
			Messages []message `json:"messages"`
		} `json:"input"`
		Parameters struct {
			ResultFormat string  `json:"result_format"`
			Temperature  float64 `json:"temperature,omitempty"`
		} `json:"parameters"`
	}{
		Model: r.cfg.Model,
		Input: struct {
			Messages []message `json:"messages"`
		}{Messages: r.cfg.messages(text)},
		Parameters: struct {
			ResultFormat string  `json:"result_format"`
			Temperature  float64 `json:"temperature,omitempty"`
		}{ResultFormat: "message", Temperature: r.cfg.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refinement request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build refinement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

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
		return "", errors.New(dashscopeErrorDetail(resp.StatusCode, data))
	}

	var result struct {
		Output struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"output"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("unexpected refinement response: %w", err)
	}
	if len(result.Output.Choices) == 0 {
		return "", errors.New("refinement returned no choices")
	}
	content := strings.TrimSpace(result.Output.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("refinement returned empty content")
	}
	return content, nil
}

func dashscopeErrorDetail(status int, body []byte) string {
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Message) != "" {
		if code := strings.TrimSpace(envelope.Code); code != "" {
			return code + ": " + envelope.Message
		}
		return envelope.Message
	}
	return fmt.Sprintf("HTTP %d", status)
}
