package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config stores the full runtime configuration. The pipeline treats a
// loaded Config as an immutable snapshot; UpdateConfig swaps the whole
// value.
type Config struct {
	ASR        ASRConfig        `yaml:"asr"`
	LLM        LLMConfig        `yaml:"llm"`
	Audio      AudioConfig      `yaml:"audio"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Output     OutputConfig     `yaml:"output"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	History    HistoryConfig    `yaml:"history"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ASRConfig struct {
	Provider  string          `yaml:"provider"` // deepgram, dashscope, funasr, whisper
	Deepgram  DeepgramConfig  `yaml:"deepgram"`
	DashScope DashScopeConfig `yaml:"dashscope"`
	FunASR    FunASRConfig    `yaml:"funasr"`
	Whisper   WhisperConfig   `yaml:"whisper"`
}

type DeepgramConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	SmartFormat   bool   `yaml:"smart_format"`
	EndpointingMS int    `yaml:"endpointing_ms"`
}

type DashScopeConfig struct {
	APIKey               string   `yaml:"api_key"`
	BaseURL              string   `yaml:"base_url"`
	Model                string   `yaml:"model"`
	VocabularyID         string   `yaml:"vocabulary_id"`
	LanguageHints        []string `yaml:"language_hints"`
	MaxSentenceSilenceMS int      `yaml:"max_sentence_silence_ms"`
}

type FunASRConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Mode          string `yaml:"mode"`
	ChunkInterval int    `yaml:"chunk_interval"`
	UseHotwords   bool   `yaml:"use_hotwords"`
}

type WhisperConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Provider    string  `yaml:"provider"` // openai, dashscope, ollama
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Endpoint    string  `yaml:"endpoint"` // ollama only
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Prompt      string  `yaml:"prompt"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"` // portaudio, ffmpeg
	SampleRate      int    `yaml:"sample_rate"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	InputDevice     string `yaml:"input_device"`
	InputFormat     string `yaml:"input_format"` // ffmpeg demuxer, e.g. pulse, avfoundation
	DumpDir         string `yaml:"dump_dir"`
}

type PipelineConfig struct {
	DrainIntervalMS   int `yaml:"drain_interval_ms"`
	WatchdogTimeoutMS int `yaml:"watchdog_timeout_ms"`
}

type OutputConfig struct {
	RestoreClipboard bool `yaml:"restore_clipboard"`
	PasteDelayMS     int  `yaml:"paste_delay_ms"`
}

type VocabularyConfig struct {
	Categories map[string]VocabularyCategory `yaml:"categories"`
}

type VocabularyCategory struct {
	Enabled bool             `yaml:"enabled"`
	Items   []VocabularyItem `yaml:"items"`
}

type VocabularyItem struct {
	Word     string   `yaml:"word"`
	Variants []string `yaml:"variants"`
}

type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsBind string `yaml:"metrics_bind"`
}

func Default() Config {
	return Config{
		ASR: ASRConfig{
			Provider: "dashscope",
			Deepgram: DeepgramConfig{
				BaseURL:       "https://api.deepgram.com/v1",
				Model:         "nova-2",
				SmartFormat:   true,
				EndpointingMS: 800,
			},
			DashScope: DashScopeConfig{
				BaseURL:              "wss://dashscope.aliyuncs.com/api-ws/v1/inference",
				Model:                "gummy-realtime-v1",
				LanguageHints:        []string{"zh", "en"},
				MaxSentenceSilenceMS: 800,
			},
			FunASR: FunASRConfig{
				Endpoint:      "ws://127.0.0.1:10095",
				Mode:          "2pass",
				ChunkInterval: 10,
				UseHotwords:   true,
			},
			Whisper: WhisperConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "whisper-1",
			},
		},
		LLM: LLMConfig{
			Enabled:  false,
			Provider: "openai",
			// BaseURL and Model stay empty so each client applies its
			// own defaults.
			Endpoint:    "http://localhost:11434",
			Temperature: 0.3,
			TimeoutMS:   30000,
		},
		Audio: AudioConfig{
			Backend:         "portaudio",
			SampleRate:      16000,
			FramesPerBuffer: 1024,
		},
		Pipeline: PipelineConfig{
			DrainIntervalMS:   100,
			WatchdogTimeoutMS: 3000,
		},
		Output: OutputConfig{
			RestoreClipboard: true,
			PasteDelayMS:     50,
		},
		Vocabulary: VocabularyConfig{
			Categories: map[string]VocabularyCategory{
				"brands": {
					Enabled: true,
					Items: []VocabularyItem{
						{Word: "Vimo", Variants: []string{"weimo", "we mo", "vemo"}},
						{Word: "Deepgram", Variants: []string{"deep gram"}},
						{Word: "DashScope", Variants: []string{"dash scope"}},
					},
				},
				"tech": {
					Enabled: true,
					Items: []VocabularyItem{
						{Word: "WebSocket", Variants: []string{"web socket"}},
						{Word: "API", Variants: []string{"a p i"}},
					},
				},
			},
		},
		History: HistoryConfig{
			Enabled:    true,
			Path:       "./data/history.db",
			MaxEntries: 1000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			MetricsBind: "",
		},
	}
}

// Load reads the config file at path, applies environment overrides, and
// validates the result. An empty path loads defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrInit behaves like Load, but writes a default config file on first
// run so the user has a skeleton to fill in. The second return value
// reports whether the file was created.
func LoadOrInit(path string) (Config, bool, error) {
	if path == "" {
		cfg, err := Load("")
		return cfg, false, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := Save(cfg, path); err != nil {
			return cfg, false, err
		}
		applyEnvOverrides(&cfg)
		if err := validate(cfg); err != nil {
			return cfg, true, err
		}
		return cfg, true, nil
	}
	cfg, err := Load(path)
	return cfg, false, err
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultPath resolves the per-user config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vhisper.yaml"
	}
	return filepath.Join(home, ".config", "vhisper", "config.yaml")
}

func applyEnvOverrides(cfg *Config) {
	// Vendor-canonical keys first so the VHISPER_ variants win.
	overrideString(&cfg.ASR.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.ASR.DashScope.APIKey, "DASHSCOPE_API_KEY")
	overrideString(&cfg.ASR.Whisper.APIKey, "OPENAI_API_KEY")

	overrideString(&cfg.ASR.Provider, "VHISPER_ASR_PROVIDER")
	overrideString(&cfg.ASR.Deepgram.APIKey, "VHISPER_DEEPGRAM_API_KEY")
	overrideString(&cfg.ASR.Deepgram.BaseURL, "VHISPER_DEEPGRAM_BASE_URL")
	overrideString(&cfg.ASR.Deepgram.Model, "VHISPER_DEEPGRAM_MODEL")
	overrideString(&cfg.ASR.Deepgram.Language, "VHISPER_DEEPGRAM_LANGUAGE")
	overrideBool(&cfg.ASR.Deepgram.SmartFormat, "VHISPER_DEEPGRAM_SMART_FORMAT")
	overrideInt(&cfg.ASR.Deepgram.EndpointingMS, "VHISPER_DEEPGRAM_ENDPOINTING_MS")
	overrideString(&cfg.ASR.DashScope.APIKey, "VHISPER_DASHSCOPE_API_KEY")
	overrideString(&cfg.ASR.DashScope.BaseURL, "VHISPER_DASHSCOPE_BASE_URL")
	overrideString(&cfg.ASR.DashScope.Model, "VHISPER_DASHSCOPE_MODEL")
	overrideString(&cfg.ASR.DashScope.VocabularyID, "VHISPER_DASHSCOPE_VOCABULARY_ID")
	overrideInt(&cfg.ASR.DashScope.MaxSentenceSilenceMS, "VHISPER_DASHSCOPE_MAX_SENTENCE_SILENCE_MS")
	overrideString(&cfg.ASR.FunASR.Endpoint, "VHISPER_FUNASR_ENDPOINT")
	overrideString(&cfg.ASR.FunASR.Mode, "VHISPER_FUNASR_MODE")
	overrideBool(&cfg.ASR.FunASR.UseHotwords, "VHISPER_FUNASR_USE_HOTWORDS")
	overrideString(&cfg.ASR.Whisper.APIKey, "VHISPER_WHISPER_API_KEY")
	overrideString(&cfg.ASR.Whisper.BaseURL, "VHISPER_WHISPER_BASE_URL")
	overrideString(&cfg.ASR.Whisper.Model, "VHISPER_WHISPER_MODEL")
	overrideString(&cfg.ASR.Whisper.Language, "VHISPER_WHISPER_LANGUAGE")

	overrideBool(&cfg.LLM.Enabled, "VHISPER_LLM_ENABLED")
	overrideString(&cfg.LLM.Provider, "VHISPER_LLM_PROVIDER")
	overrideString(&cfg.LLM.APIKey, "VHISPER_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "VHISPER_LLM_BASE_URL")
	overrideString(&cfg.LLM.Endpoint, "VHISPER_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "VHISPER_LLM_MODEL")
	overrideFloat(&cfg.LLM.Temperature, "VHISPER_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "VHISPER_LLM_TIMEOUT_MS")

	overrideString(&cfg.Audio.Backend, "VHISPER_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.SampleRate, "VHISPER_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FramesPerBuffer, "VHISPER_AUDIO_FRAMES_PER_BUFFER")
	overrideString(&cfg.Audio.InputDevice, "VHISPER_AUDIO_INPUT_DEVICE")
	overrideString(&cfg.Audio.InputFormat, "VHISPER_AUDIO_INPUT_FORMAT")
	overrideString(&cfg.Audio.DumpDir, "VHISPER_AUDIO_DUMP_DIR")

	overrideInt(&cfg.Pipeline.DrainIntervalMS, "VHISPER_PIPELINE_DRAIN_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.WatchdogTimeoutMS, "VHISPER_PIPELINE_WATCHDOG_TIMEOUT_MS")

	overrideBool(&cfg.Output.RestoreClipboard, "VHISPER_OUTPUT_RESTORE_CLIPBOARD")
	overrideInt(&cfg.Output.PasteDelayMS, "VHISPER_OUTPUT_PASTE_DELAY_MS")

	overrideBool(&cfg.History.Enabled, "VHISPER_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "VHISPER_HISTORY_PATH")
	overrideInt(&cfg.History.MaxEntries, "VHISPER_HISTORY_MAX_ENTRIES")

	overrideString(&cfg.Telemetry.LogLevel, "VHISPER_LOG_LEVEL")
	overrideString(&cfg.Telemetry.MetricsBind, "VHISPER_METRICS_BIND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	switch cfg.ASR.Provider {
	case "deepgram", "dashscope", "funasr", "whisper":
	default:
		return errors.New("asr.provider must be one of deepgram|dashscope|funasr|whisper")
	}
	if cfg.ASR.FunASR.Mode != "" {
		switch cfg.ASR.FunASR.Mode {
		case "2pass", "online", "offline":
		default:
			return errors.New("asr.funasr.mode must be one of 2pass|online|offline")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Provider {
		case "openai", "dashscope", "ollama":
		default:
			return errors.New("llm.provider must be one of openai|dashscope|ollama")
		}
		if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
			return errors.New("llm.temperature must be between 0 and 2")
		}
		if cfg.LLM.Provider == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when provider=ollama")
		}
	}
	switch cfg.Audio.Backend {
	case "", "portaudio", "ffmpeg":
	default:
		return errors.New("audio.backend must be one of portaudio|ffmpeg")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.FramesPerBuffer <= 0 {
		return errors.New("audio.frames_per_buffer must be positive")
	}
	if cfg.Pipeline.DrainIntervalMS <= 0 {
		return errors.New("pipeline.drain_interval_ms must be positive")
	}
	if cfg.Pipeline.WatchdogTimeoutMS <= 0 {
		return errors.New("pipeline.watchdog_timeout_ms must be positive")
	}
	if cfg.Output.PasteDelayMS < 0 {
		return errors.New("output.paste_delay_ms must be >= 0")
	}
	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when history is enabled")
		}
		if cfg.History.MaxEntries < 0 {
			return errors.New("history.max_entries must be >= 0")
		}
	}
	return nil
}
