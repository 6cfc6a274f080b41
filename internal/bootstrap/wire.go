// Package bootstrap assembles the runtime graph from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vimo-ai/VhisperNative/internal/audio"
	"github.com/vimo-ai/VhisperNative/internal/config"
	"github.com/vimo-ai/VhisperNative/internal/history"
	"github.com/vimo-ai/VhisperNative/internal/llm"
	"github.com/vimo-ai/VhisperNative/internal/ports"
	"github.com/vimo-ai/VhisperNative/internal/providers/dashscope"
	"github.com/vimo-ai/VhisperNative/internal/providers/deepgram"
	"github.com/vimo-ai/VhisperNative/internal/providers/funasr"
	"github.com/vimo-ai/VhisperNative/internal/providers/whisper"
	"github.com/vimo-ai/VhisperNative/internal/telemetry"
	"github.com/vimo-ai/VhisperNative/internal/usecase"
	"github.com/vimo-ai/VhisperNative/internal/vocabulary"
)

// Services is the assembled runtime graph.
type Services struct {
	Pipeline *usecase.Pipeline
	History  *history.Store
	Config   config.Config
}

// Build wires the dictation pipeline for the current configuration. A
// missing provider credential does not fail the build; it surfaces when
// recording is started. History and metrics are optional and degrade to
// disabled with a warning.
func Build(ctx context.Context, cfg config.Config, sink ports.EventSink, hotkeyDown func() bool, log *slog.Logger) (Services, error) {
	capture, err := buildCapture(cfg, log)
	if err != nil {
		return Services{}, err
	}

	opts := usecase.Options{
		Events:      sink,
		Capture:     capture,
		HotkeyDown:  hotkeyDown,
		Logger:      log,
		NewProvider: BuildProvider,
		NewRefiner:  BuildRefiner,
	}

	services := Services{Config: cfg}
	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History, log)
		if err != nil {
			log.Warn("history store unavailable", slog.String("error", err.Error()))
		} else {
			opts.History = store
			services.History = store
		}
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Warn("metrics unavailable", slog.String("error", err.Error()))
	} else {
		opts.Metrics = metrics
	}

	pipeline, err := usecase.New(cfg, opts)
	if err != nil {
		if services.History != nil {
			services.History.Close()
		}
		return Services{}, err
	}
	services.Pipeline = pipeline
	return services, nil
}

func buildCapture(cfg config.Config, log *slog.Logger) (ports.AudioCapture, error) {
	switch cfg.Audio.Backend {
	case "", "portaudio":
		return audio.NewCapture(cfg.Audio.SampleRate, cfg.Audio.FramesPerBuffer, cfg.Audio.InputDevice, log), nil
	case "ffmpeg":
		return audio.NewFFmpegCapture("", cfg.Audio.InputFormat, cfg.Audio.InputDevice, cfg.Audio.SampleRate, log), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Audio.Backend)
	}
}

// BuildProvider constructs the recognition provider selected by cfg.
// Providers that need credentials fail here so the caller can report a
// configuration problem before any audio is captured.
func BuildProvider(cfg config.Config) (ports.StreamProvider, error) {
	switch cfg.ASR.Provider {
	case "deepgram":
		if strings.TrimSpace(cfg.ASR.Deepgram.APIKey) == "" {
			return nil, errors.New("deepgram API key is not configured")
		}
		return deepgram.NewProvider(deepgram.Config{
			APIKey:        cfg.ASR.Deepgram.APIKey,
			BaseURL:       cfg.ASR.Deepgram.BaseURL,
			Model:         cfg.ASR.Deepgram.Model,
			Language:      cfg.ASR.Deepgram.Language,
			SmartFormat:   cfg.ASR.Deepgram.SmartFormat,
			EndpointingMS: cfg.ASR.Deepgram.EndpointingMS,
		}), nil
	case "dashscope":
		if strings.TrimSpace(cfg.ASR.DashScope.APIKey) == "" {
			return nil, errors.New("dashscope API key is not configured")
		}
		return dashscope.NewProvider(dashscope.Config{
			APIKey:               cfg.ASR.DashScope.APIKey,
			BaseURL:              cfg.ASR.DashScope.BaseURL,
			Model:                cfg.ASR.DashScope.Model,
			VocabularyID:         cfg.ASR.DashScope.VocabularyID,
			LanguageHints:        cfg.ASR.DashScope.LanguageHints,
			MaxSentenceSilenceMS: cfg.ASR.DashScope.MaxSentenceSilenceMS,
		}), nil
	case "funasr":
		fcfg := funasr.Config{
			Endpoint:      cfg.ASR.FunASR.Endpoint,
			Mode:          cfg.ASR.FunASR.Mode,
			ChunkInterval: cfg.ASR.FunASR.ChunkInterval,
		}
		if cfg.ASR.FunASR.UseHotwords {
			fcfg.Hotwords = vocabulary.Hotwords(cfg.Vocabulary)
		}
		return funasr.NewProvider(fcfg), nil
	case "whisper":
		if strings.TrimSpace(cfg.ASR.Whisper.APIKey) == "" {
			return nil, errors.New("whisper API key is not configured")
		}
		return whisper.NewProvider(whisper.Config{
			APIKey:   cfg.ASR.Whisper.APIKey,
			BaseURL:  cfg.ASR.Whisper.BaseURL,
			Model:    cfg.ASR.Whisper.Model,
			Language: cfg.ASR.Whisper.Language,
		}), nil
	default:
		return nil, fmt.Errorf("unknown asr provider %q", cfg.ASR.Provider)
	}
}

// BuildRefiner constructs the refinement client selected by cfg. When no
// LLM key is configured it falls back to the matching recognition key, so
// one dashscope or openai credential serves both stages.
func BuildRefiner(cfg config.Config) (ports.Refiner, error) {
	base := llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		Prompt:      cfg.LLM.Prompt,
		Vocabulary:  vocabulary.Words(cfg.Vocabulary),
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
	}
	switch cfg.LLM.Provider {
	case "openai":
		if base.APIKey == "" {
			base.APIKey = cfg.ASR.Whisper.APIKey
		}
		return llm.NewOpenAIRefiner(base), nil
	case "dashscope":
		if base.APIKey == "" {
			base.APIKey = cfg.ASR.DashScope.APIKey
		}
		return llm.NewDashScopeRefiner(base), nil
	case "ollama":
		return llm.NewOllamaRefiner(base), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
