package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vimo-ai/VhisperNative/internal/bootstrap"
	"github.com/vimo-ai/VhisperNative/internal/config"
	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/history"
	"github.com/vimo-ai/VhisperNative/internal/ports"
	"github.com/vimo-ai/VhisperNative/internal/usecase"
)

// App is the terminal application root. It maps line commands onto the
// dictation pipeline and renders pipeline events back to the console.
// Finished transcripts go to out; everything else goes to msg, so the
// transcript stream stays pipeable.
type App struct {
	ctx context.Context

	cfg      config.Config
	log      *slog.Logger
	injector ports.TextInjector

	pipeline *usecase.Pipeline
	history  *history.Store
	bootErr  error

	mu    sync.Mutex
	armed bool
	msg   io.Writer
}

func NewApp(cfg config.Config, log *slog.Logger, out, msg io.Writer) *App {
	return &App{
		cfg:      cfg,
		log:      log,
		msg:      msg,
		injector: newConsoleInjector(out, cfg.Output),
	}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(ctx, a.cfg, a, a.holding, a.log)
	if err != nil {
		a.bootErr = err
		a.Error(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.pipeline = services.Pipeline
	a.history = services.History
}

func (a *App) shutdown() {
	if a.history == nil {
		return
	}
	if err := a.history.Close(); err != nil {
		a.log.Warn("closing history store failed", slog.String("error", err.Error()))
	}
}

// run drives dictation from line input until EOF, a quit command, or
// context cancellation.
func (a *App) run(ctx context.Context, input io.Reader) error {
	if err := a.requireReady(); err != nil {
		return err
	}

	a.statusf("ready with provider %s. Enter toggles dictation, c cancels, s shows status, h shows history, q quits.", a.cfg.ASR.Provider)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.quiesce()
			return nil
		case line, ok := <-lines:
			if !ok || line == "q" {
				a.quiesce()
				return nil
			}
			a.dispatch(line)
		}
	}
}

func (a *App) dispatch(line string) {
	switch line {
	case "", "t":
		a.toggle()
	case "c":
		a.setArmed(false)
		a.pipeline.Cancel()
	case "s":
		st := a.pipeline.Status()
		if st.Message != "" {
			a.statusf("state %s, provider %s (%s)", st.State, st.Provider, st.Message)
			return
		}
		a.statusf("state %s, provider %s", st.State, st.Provider)
	case "h":
		a.printRecent(5)
	default:
		a.statusf("unknown command %q", line)
	}
}

func (a *App) toggle() {
	a.mu.Lock()
	wasArmed := a.armed
	a.armed = !wasArmed
	a.mu.Unlock()

	if wasArmed {
		a.pipeline.StopRecording()
		return
	}
	if err := a.pipeline.StartRecording(a.ctx); err != nil {
		a.setArmed(false)
		a.Error(domain.ErrorCodeTranscription, err.Error())
	}
}

// quiesce discards any live recording before the loop exits.
func (a *App) quiesce() {
	a.setArmed(false)
	if a.pipeline == nil {
		return
	}
	if a.pipeline.Status().State != domain.SessionStateIdle {
		a.pipeline.Cancel()
	}
}

// holding reports whether dictation is still toggled on. The pipeline
// keeps the stream open across server-side utterance ends while this
// stays true.
func (a *App) holding() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

func (a *App) setArmed(v bool) {
	a.mu.Lock()
	a.armed = v
	a.mu.Unlock()
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.pipeline == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) printRecent(limit int) {
	if a.history == nil {
		a.statusf("history is not available")
		return
	}
	entries, err := a.history.Recent(a.ctx, limit)
	if err != nil {
		a.Error(domain.ErrorCodeHistory, err.Error())
		return
	}
	if len(entries) == 0 {
		a.statusf("history is empty")
		return
	}
	for _, tr := range entries {
		stamp := time.Unix(tr.CreatedAt, 0).Format("2006-01-02 15:04")
		a.printf("%s  %-9s  %s\n", stamp, tr.ASRProvider, tr.FinalText)
	}
}

// RecordingStarted renders the live-microphone notice.
func (a *App) RecordingStarted() {
	a.statusf("recording... Enter finishes, c discards")
}

// RecordingStopped renders the transcription-in-progress notice.
func (a *App) RecordingStopped() {
	a.statusf("transcribing...")
}

// PartialResult renders an interim hypothesis. The stash is speculative
// tail text the recognizer may still revise.
func (a *App) PartialResult(text, stash string) {
	if stash != "" {
		a.printf("  > %s [%s]\n", text, stash)
		return
	}
	a.printf("  > %s\n", text)
}

// FinalResult hands finished text to the output sink. Delivery failure
// surfaces as an output error rather than dropping the transcript
// silently.
func (a *App) FinalResult(text string) {
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.injector.OutputText(ctx, text); err != nil {
		a.Error(domain.ErrorCodeOutput, err.Error())
	}
}

// Cancelled renders the discard acknowledgement.
func (a *App) Cancelled() {
	a.setArmed(false)
	a.statusf("recording discarded")
}

// Warning renders a non-fatal pipeline notice.
func (a *App) Warning(code domain.ErrorCode, detail string) {
	a.printf("warning: %s\n", describe(code, detail))
}

// Error renders a session-ending failure.
func (a *App) Error(code domain.ErrorCode, detail string) {
	a.setArmed(false)
	a.printf("error: %s\n", describe(code, detail))
}

func (a *App) statusf(format string, args ...any) {
	a.printf("-- "+format+"\n", args...)
}

// printf serializes console writes so pipeline goroutines and the
// command loop never interleave partial lines.
func (a *App) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.msg, format, args...)
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeAudioCapture:
		return "Microphone unavailable"
	case domain.ErrorCodeNoSpeech:
		return "No speech detected"
	case domain.ErrorCodeLowVolume:
		return "Input level very low"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeRefinement:
		return "Refinement unavailable"
	case domain.ErrorCodeTimeout:
		return "Transcription timed out"
	case domain.ErrorCodeOutput:
		return "Text output failed"
	case domain.ErrorCodeHistory:
		return "History unavailable"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func describe(code domain.ErrorCode, detail string) string {
	msg := errorMessage(code, detail)
	if detail != "" && msg != detail {
		msg += ": " + detail
	}
	return msg
}

// consoleInjector stands in for the desktop paste integration: finished
// text is written to the terminal after the configured paste delay.
// Clipboard restore has no terminal equivalent and is ignored here.
type consoleInjector struct {
	out   io.Writer
	delay time.Duration
}

func newConsoleInjector(out io.Writer, cfg config.OutputConfig) *consoleInjector {
	return &consoleInjector{
		out:   out,
		delay: time.Duration(cfg.PasteDelayMS) * time.Millisecond,
	}
}

func (c *consoleInjector) OutputText(ctx context.Context, text string) error {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}
