package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vimo-ai/VhisperNative/internal/audio"
	"github.com/vimo-ai/VhisperNative/internal/bootstrap"
	"github.com/vimo-ai/VhisperNative/internal/config"
	"github.com/vimo-ai/VhisperNative/internal/history"
	"github.com/vimo-ai/VhisperNative/internal/telemetry"
	"github.com/vimo-ai/VhisperNative/internal/vocabulary"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath     string
		transcribePath string
		historyCount   int
		showVersion    bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (default: the per-user config)")
	flag.StringVar(&transcribePath, "transcribe", "", "Transcribe a WAV file and exit")
	flag.IntVar(&historyCount, "history", 0, "Print the N most recent transcriptions and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath, transcribePath, historyCount); err != nil {
		fmt.Fprintln(os.Stderr, "vhisper:", err)
		os.Exit(1)
	}
}

func run(configPath, transcribePath string, historyCount int) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, created, err := config.LoadOrInit(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Telemetry.LogLevel)
	if created {
		logger.Info("wrote default config", slog.String("path", configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if transcribePath != "" {
		return transcribeFile(ctx, cfg, transcribePath, os.Stdout, logger)
	}
	if historyCount > 0 {
		return printHistory(ctx, cfg, historyCount, os.Stdout, logger)
	}

	shutdownMetrics, err := telemetry.Setup(cfg.Telemetry.MetricsBind, logger)
	if err != nil {
		return err
	}
	defer func() {
		shctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := shutdownMetrics(shctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	app := NewApp(cfg, logger, os.Stdout, os.Stderr)
	app.startup(ctx)
	defer app.shutdown()

	return app.run(ctx, os.Stdin)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// transcribeFile runs the batch leg of the pipeline over a recorded WAV
// file: recognition, vocabulary rewriting, and refinement when enabled.
func transcribeFile(ctx context.Context, cfg config.Config, path string, out io.Writer, logger *slog.Logger) error {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}
	if len(samples) == 0 {
		return errors.New("recording contains no samples")
	}

	provider, err := bootstrap.BuildProvider(cfg)
	if err != nil {
		return err
	}

	text, err := provider.Recognize(ctx, audio.EncodeToPCM16LE(samples), rate)
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}
	text = strings.TrimSpace(vocabulary.NewProcessor(cfg.Vocabulary).Apply(text))
	if text == "" {
		return errors.New("no speech recognized")
	}

	if cfg.LLM.Enabled {
		refiner, err := bootstrap.BuildRefiner(cfg)
		if err != nil {
			return err
		}
		cleaned, err := refiner.RefineText(ctx, text)
		switch {
		case err != nil:
			// Keep the unrefined transcript rather than lose it.
			logger.Warn("refinement failed", slog.String("error", err.Error()))
		case strings.TrimSpace(cleaned) != "":
			text = strings.TrimSpace(cleaned)
		}
	}

	_, err = fmt.Fprintln(out, text)
	return err
}

// printHistory lists the most recent saved transcriptions, newest
// first.
func printHistory(ctx context.Context, cfg config.Config, limit int, out io.Writer, logger *slog.Logger) error {
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the configuration")
	}

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, tr := range entries {
		stamp := time.Unix(tr.CreatedAt, 0).Format("2006-01-02 15:04")
		fmt.Fprintf(out, "%s  %-9s  %s\n", stamp, tr.ASRProvider, tr.FinalText)
	}
	return nil
}
