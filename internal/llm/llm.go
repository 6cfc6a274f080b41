// Package llm refines raw transcripts through chat-completion endpoints.
// Three interchangeable clients cover OpenAI-compatible services, the
// DashScope native API, and a local Ollama instance.
package llm

import (
	"strings"
	"time"
)

const defaultPrompt = "You clean up dictated text. Fix recognition mistakes, punctuation and casing. " +
	"Reply with the corrected text only, no explanations."

const defaultTimeout = 30 * time.Second

// Config carries the knobs shared by every refiner. Vocabulary lists the
// correct spellings the prompt should pin down.
type Config struct {
	APIKey      string
	BaseURL     string
	Endpoint    string
	Model       string
	Prompt      string
	Vocabulary  []string
	Temperature float64
	Timeout     time.Duration
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c Config) systemPrompt() string {
	prompt := strings.TrimSpace(c.Prompt)
	if prompt == "" {
		prompt = defaultPrompt
	}
	if len(c.Vocabulary) > 0 {
		prompt += "\n\nKeep these exact spellings when they appear: " + strings.Join(c.Vocabulary, ", ")
	}
	return prompt
}

func (c Config) messages(text string) []message {
	return []message{
		{Role: "system", Content: c.systemPrompt()},
		{Role: "user", Content: text},
	}
}

func (c Config) httpTimeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}
