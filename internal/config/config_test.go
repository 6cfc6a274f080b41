package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ASR.Provider != "dashscope" {
		t.Fatalf("expected dashscope default provider, got %q", cfg.ASR.Provider)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected 16000 sample rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Pipeline.DrainIntervalMS != 100 || cfg.Pipeline.WatchdogTimeoutMS != 3000 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if len(cfg.Vocabulary.Categories) == 0 {
		t.Fatalf("expected default vocabulary categories")
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.Join([]string{
		"asr:",
		"  provider: funasr",
		"  funasr:",
		"    endpoint: ws://localhost:9999",
		"llm:",
		"  enabled: true",
		"  provider: ollama",
		"  model: qwen2.5",
		"pipeline:",
		"  watchdog_timeout_ms: 5000",
		"vocabulary:",
		"  categories:",
		"    names:",
		"      enabled: true",
		"      items:",
		"        - word: Vimo",
		"          variants: [weimo]",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ASR.Provider != "funasr" {
		t.Fatalf("expected funasr provider, got %q", cfg.ASR.Provider)
	}
	if cfg.ASR.FunASR.Endpoint != "ws://localhost:9999" {
		t.Fatalf("unexpected funasr endpoint: %q", cfg.ASR.FunASR.Endpoint)
	}
	if !cfg.LLM.Enabled || cfg.LLM.Provider != "ollama" || cfg.LLM.Model != "qwen2.5" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Pipeline.WatchdogTimeoutMS != 5000 {
		t.Fatalf("expected watchdog override, got %d", cfg.Pipeline.WatchdogTimeoutMS)
	}
	if cfg.Pipeline.DrainIntervalMS != 100 {
		t.Fatalf("expected default drain interval to survive partial file, got %d", cfg.Pipeline.DrainIntervalMS)
	}
	cat, ok := cfg.Vocabulary.Categories["names"]
	if !ok || len(cat.Items) != 1 || cat.Items[0].Word != "Vimo" {
		t.Fatalf("unexpected vocabulary: %+v", cfg.Vocabulary)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	t.Setenv("VHISPER_ASR_PROVIDER", "deepgram")
	t.Setenv("VHISPER_DEEPGRAM_MODEL", "nova-3")
	t.Setenv("VHISPER_LLM_ENABLED", "true")
	t.Setenv("VHISPER_LLM_PROVIDER", "dashscope")
	t.Setenv("VHISPER_PIPELINE_DRAIN_INTERVAL_MS", "50")
	t.Setenv("VHISPER_LLM_TEMPERATURE", "0.7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ASR.Provider != "deepgram" || cfg.ASR.Deepgram.Model != "nova-3" {
		t.Fatalf("unexpected asr config: %+v", cfg.ASR)
	}
	if !cfg.LLM.Enabled || cfg.LLM.Provider != "dashscope" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Pipeline.DrainIntervalMS != 50 {
		t.Fatalf("expected drain override, got %d", cfg.Pipeline.DrainIntervalMS)
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
}

func TestVendorKeysFillAPIKeys(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("DASHSCOPE_API_KEY", "ds-key")
	t.Setenv("OPENAI_API_KEY", "oa-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ASR.Deepgram.APIKey != "dg-key" {
		t.Fatalf("expected vendor deepgram key, got %q", cfg.ASR.Deepgram.APIKey)
	}
	if cfg.ASR.DashScope.APIKey != "ds-key" {
		t.Fatalf("expected vendor dashscope key, got %q", cfg.ASR.DashScope.APIKey)
	}
	if cfg.ASR.Whisper.APIKey != "oa-key" {
		t.Fatalf("expected vendor openai key, got %q", cfg.ASR.Whisper.APIKey)
	}

	t.Setenv("VHISPER_DASHSCOPE_API_KEY", "app-key")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ASR.DashScope.APIKey != "app-key" {
		t.Fatalf("expected app key to win over vendor key, got %q", cfg.ASR.DashScope.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.ASR.Provider = "siri" }},
		{"unknown llm provider", func(c *Config) { c.LLM.Enabled = true; c.LLM.Provider = "gpt" }},
		{"temperature out of range", func(c *Config) { c.LLM.Enabled = true; c.LLM.Temperature = 3 }},
		{"unknown audio backend", func(c *Config) { c.Audio.Backend = "alsa-direct" }},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"zero drain interval", func(c *Config) { c.Pipeline.DrainIntervalMS = 0 }},
		{"zero watchdog", func(c *Config) { c.Pipeline.WatchdogTimeoutMS = 0 }},
		{"history without path", func(c *Config) { c.History.Enabled = true; c.History.Path = "" }},
		{"bad funasr mode", func(c *Config) { c.ASR.FunASR.Mode = "3pass" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOrInitWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, created, err := LoadOrInit(path)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !created {
		t.Fatalf("expected file creation on first run")
	}
	if cfg.ASR.Provider != "dashscope" {
		t.Fatalf("expected default provider, got %q", cfg.ASR.Provider)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file on disk: %v", err)
	}

	cfg2, created, err := LoadOrInit(path)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if created {
		t.Fatalf("expected no recreation on second run")
	}
	if cfg2.Audio.SampleRate != cfg.Audio.SampleRate {
		t.Fatalf("reloaded config diverged: %+v vs %+v", cfg2.Audio, cfg.Audio)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.ASR.Provider = "whisper"
	cfg.ASR.Whisper.APIKey = "sk-test"
	cfg.Output.RestoreClipboard = false

	if err := Save(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ASR.Provider != "whisper" || loaded.ASR.Whisper.APIKey != "sk-test" {
		t.Fatalf("unexpected reloaded asr: %+v", loaded.ASR)
	}
	if loaded.Output.RestoreClipboard {
		t.Fatalf("expected restore_clipboard false after roundtrip")
	}
}
