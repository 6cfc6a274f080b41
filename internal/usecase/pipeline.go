// Package usecase orchestrates the push-to-talk dictation pipeline:
// microphone capture feeds a streaming recognizer, and finished
// transcripts pass through vocabulary rewriting and optional refinement
// before reaching the host.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vimo-ai/VhisperNative/internal/audio"
	"github.com/vimo-ai/VhisperNative/internal/config"
	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
	"github.com/vimo-ai/VhisperNative/internal/telemetry"
	"github.com/vimo-ai/VhisperNative/internal/vocabulary"
)

var (
	// ErrInvalidState rejects operations that do not apply to the
	// current lifecycle state, such as starting while already recording.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrNotConfigured rejects recording when no usable recognition
	// provider could be built from the configuration.
	ErrNotConfigured = errors.New("recognition provider is not configured")
)

// ProviderFactory builds the recognition provider selected by cfg.
type ProviderFactory func(cfg config.Config) (ports.StreamProvider, error)

// RefinerFactory builds the refinement client selected by cfg.
type RefinerFactory func(cfg config.Config) (ports.Refiner, error)

// Options carries the pipeline collaborators. History, Metrics and
// HotkeyDown are optional.
type Options struct {
	Events      ports.EventSink
	Capture     ports.AudioCapture
	History     ports.HistoryStore
	Metrics     *telemetry.Metrics
	HotkeyDown  func() bool
	Logger      *slog.Logger
	NewProvider ProviderFactory
	NewRefiner  RefinerFactory
}

// Pipeline runs the dictation state machine. All state transitions are
// serialized on one mutex; events are emitted outside it.
type Pipeline struct {
	events     ports.EventSink
	capture    ports.AudioCapture
	history    ports.HistoryStore
	metrics    *telemetry.Metrics
	hotkeyDown func() bool
	log        *slog.Logger

	newProvider ProviderFactory
	newRefiner  RefinerFactory

	mu          sync.Mutex
	cfg         config.Config
	provider    ports.StreamProvider
	providerErr error
	refiner     ports.Refiner
	vocab       ports.VocabularyRewriter
	state       domain.SessionState
	current     *session
	watchdog    *time.Timer
}

func New(cfg config.Config, opts Options) (*Pipeline, error) {
	if opts.Events == nil {
		return nil, errors.New("event sink is required")
	}
	if opts.Capture == nil {
		return nil, errors.New("audio capture is required")
	}
	if opts.NewProvider == nil {
		return nil, errors.New("provider factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		events:      opts.Events,
		capture:     opts.Capture,
		history:     opts.History,
		metrics:     opts.Metrics,
		hotkeyDown:  opts.HotkeyDown,
		log:         logger.With(slog.String("component", "pipeline")),
		newProvider: opts.NewProvider,
		newRefiner:  opts.NewRefiner,
		state:       domain.SessionStateIdle,
	}
	if err := p.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateConfig swaps the configuration snapshot. A provider that cannot
// be built is remembered and reported on the next StartRecording; a
// broken refiner configuration fails immediately. The active session, if
// any, keeps the snapshot it started with.
func (p *Pipeline) UpdateConfig(cfg config.Config) error {
	provider, providerErr := p.newProvider(cfg)
	var refiner ports.Refiner
	if cfg.LLM.Enabled && p.newRefiner != nil {
		built, err := p.newRefiner(cfg)
		if err != nil {
			return fmt.Errorf("failed to build refiner: %w", err)
		}
		refiner = built
	}
	vocab := vocabulary.NewProcessor(cfg.Vocabulary)

	p.mu.Lock()
	p.cfg = cfg
	p.provider = provider
	p.providerErr = providerErr
	p.refiner = refiner
	p.vocab = vocab
	p.mu.Unlock()
	return nil
}

// StartRecording opens a recognition stream and the microphone, then
// begins draining captured audio into the stream.
func (p *Pipeline) StartRecording(ctx context.Context) error {
	p.mu.Lock()
	if p.state != domain.SessionStateIdle {
		p.mu.Unlock()
		return ErrInvalidState
	}
	if p.provider == nil {
		err := ErrNotConfigured
		if p.providerErr != nil {
			err = fmt.Errorf("%w: %v", ErrNotConfigured, p.providerErr)
		}
		p.mu.Unlock()
		return err
	}

	s, err := newSession(ctx, p.cfg, p.cfg.ASR.Provider, p.provider, p.vocab, p.refiner)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open recognition stream: %w", err)
	}
	if err := p.capture.Start(); err != nil {
		p.mu.Unlock()
		s.cancel()
		s.stream.Cancel()
		return fmt.Errorf("failed to start audio capture: %w", err)
	}
	p.current = s
	p.state = domain.SessionStateRecording
	p.mu.Unlock()

	go p.drain(s)
	go p.consume(s)

	p.log.Info("recording started", slog.String("provider", s.providerName))
	p.events.RecordingStarted()
	p.metrics.SessionStarted()
	return nil
}

// StopRecording ends capture and commits the audio for a final
// transcript. Outside the recording state it does nothing, so a hotkey
// release that raced a cancel or a provider error stays harmless.
func (p *Pipeline) StopRecording() {
	p.mu.Lock()
	if p.state != domain.SessionStateRecording || p.current == nil {
		p.mu.Unlock()
		return
	}
	s := p.current
	p.state = domain.SessionStateProcessing
	s.haltDrain()
	p.mu.Unlock()

	p.events.RecordingStopped()
	<-s.drainDone

	tail := p.capture.Stop()
	s.observe(tail)
	p.dumpRecording(s)

	report := s.qualityReport()
	if report.Level == audio.QualityError {
		p.mu.Lock()
		if p.current == s {
			p.current = nil
			p.state = domain.SessionStateIdle
		}
		p.mu.Unlock()
		s.cancel()
		s.stream.Cancel()
		p.log.Info("recording discarded", slog.String("reason", report.Message))
		p.events.Error(domain.ErrorCodeNoSpeech, report.Message)
		p.metrics.ErrorEmitted(string(domain.ErrorCodeNoSpeech))
		return
	}
	if report.Level == audio.QualityWarning {
		p.events.Warning(domain.ErrorCodeLowVolume, report.Message)
	}

	if len(tail) > 0 {
		if err := s.stream.SendAudio(audio.EncodeToPCM16LE(tail)); err != nil {
			// The socket is gone; the terminal error arrives on the
			// event stream.
			p.log.Debug("tail send failed", slog.String("error", err.Error()))
		}
	}
	if err := s.stream.Commit(); err != nil {
		p.log.Debug("commit failed", slog.String("error", err.Error()))
	}
	p.armWatchdog(s)
}

// Cancel tears down whatever is in flight and discards it. Safe in any
// state, and always reports Cancelled so the host can settle its UI.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.state = domain.SessionStateIdle
	p.disarmWatchdogLocked()
	p.mu.Unlock()

	if s != nil {
		s.haltDrain()
		<-s.drainDone
		s.cancel()
		s.stream.Cancel()
		p.capture.Cancel()
		p.log.Info("recording cancelled")
	}
	p.events.Cancelled()
}

// Status reports the current lifecycle state.
func (p *Pipeline) Status() domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := domain.Status{State: p.state, Provider: p.cfg.ASR.Provider}
	if p.provider == nil && p.providerErr != nil {
		st.Message = p.providerErr.Error()
	}
	return st
}

// drain moves microphone audio into the recognition stream until halted.
func (p *Pipeline) drain(s *session) {
	defer close(s.drainDone)

	interval := time.Duration(s.cfg.Pipeline.DrainIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.drainStop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			chunk := p.capture.DrainBuffer()
			if len(chunk) == 0 {
				continue
			}
			s.observe(chunk)
			if err := s.stream.SendAudio(audio.EncodeToPCM16LE(chunk)); err != nil {
				// The terminal error arrives on the event stream.
				p.log.Debug("audio send failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// consume forwards recognition events for s until its stream closes.
func (p *Pipeline) consume(s *session) {
	for event := range s.stream.Events() {
		switch event.Kind {
		case domain.StreamEventPartial:
			p.handlePartial(s, event)
		case domain.StreamEventFinal:
			p.handleFinal(s, event.Text)
		case domain.StreamEventError:
			p.handleStreamError(s, event.Err)
		}
	}
}

func (p *Pipeline) handlePartial(s *session, event domain.StreamEvent) {
	p.mu.Lock()
	live := p.current == s
	p.mu.Unlock()
	if !live {
		return
	}
	p.events.PartialResult(event.Text, event.Stash)
	p.metrics.PartialDelivered()
}

// handleFinal post-processes a final transcript and either returns the
// pipeline to idle or, when the hotkey is still held after a pause
// detected by the provider, opens a fresh stream so dictation continues
// seamlessly.
func (p *Pipeline) handleFinal(s *session, raw string) {
	p.mu.Lock()
	if p.current != s {
		p.mu.Unlock()
		return
	}
	p.disarmWatchdogLocked()
	p.mu.Unlock()

	raw = strings.TrimSpace(raw)
	if raw == "" {
		p.finishEmpty(s)
		return
	}

	text := s.vocab.Apply(raw)
	refined := false
	if s.refiner != nil {
		cleaned, err := s.refiner.RefineText(s.ctx, text)
		switch {
		case err != nil:
			// Keep the unrefined transcript rather than lose it.
			p.log.Warn("refinement failed", slog.String("error", err.Error()))
			p.events.Warning(domain.ErrorCodeRefinement, err.Error())
			p.metrics.RefinementFallback()
		case strings.TrimSpace(cleaned) != "":
			text = strings.TrimSpace(cleaned)
			refined = true
		}
	}

	held := p.hotkeyHeld()

	var rearmErr error
	rearmed := false
	p.mu.Lock()
	if p.current != s {
		// Torn down while refining; the result belongs to nobody now.
		p.mu.Unlock()
		return
	}
	if held && p.state == domain.SessionStateRecording {
		rearmErr = p.rearmLocked(s)
		rearmed = rearmErr == nil
	}
	if !rearmed {
		p.current = nil
		p.state = domain.SessionStateIdle
	}
	p.mu.Unlock()

	if !rearmed {
		s.haltDrain()
		s.cancel()
		p.capture.Cancel()
	}
	if rearmErr != nil {
		p.log.Warn("rearm failed", slog.String("error", rearmErr.Error()))
		p.events.Warning(domain.ErrorCodeTranscription,
			fmt.Sprintf("could not reopen the recognition stream: %v", rearmErr))
	}

	p.events.FinalResult(text)
	p.metrics.FinalDelivered(s.providerName)
	p.appendHistory(s, raw, text, refined)
}

// finishEmpty handles a final with no recognized text.
func (p *Pipeline) finishEmpty(s *session) {
	p.mu.Lock()
	if p.current != s {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.state = domain.SessionStateIdle
	p.mu.Unlock()

	s.haltDrain()
	s.cancel()
	p.capture.Cancel()
	p.events.Error(domain.ErrorCodeNoSpeech, "no speech recognized")
	p.metrics.ErrorEmitted(string(domain.ErrorCodeNoSpeech))
}

func (p *Pipeline) handleStreamError(s *session, serr *domain.StreamError) {
	p.mu.Lock()
	if p.current != s {
		p.mu.Unlock()
		return
	}
	p.disarmWatchdogLocked()
	p.current = nil
	p.state = domain.SessionStateIdle
	p.mu.Unlock()

	s.haltDrain()
	s.cancel()
	p.capture.Cancel()

	// Cancellation is an outcome the user asked for, not a failure.
	if serr == nil || serr.Kind == domain.StreamErrorCancelled {
		return
	}
	code := domain.ErrorCodeTranscription
	if serr.Kind == domain.StreamErrorTimeout {
		code = domain.ErrorCodeTimeout
	}
	p.log.Error("recognition failed",
		slog.String("kind", string(serr.Kind)),
		slog.String("detail", serr.Detail))
	p.events.Error(code, serr.Detail)
	p.metrics.ErrorEmitted(string(code))
}

// rearmLocked replaces a finished session with a fresh one on the same
// open microphone. Caller holds p.mu and has verified prev is current.
func (p *Pipeline) rearmLocked(prev *session) error {
	prev.haltDrain()
	<-prev.drainDone
	prev.cancel()

	next, err := newSession(prev.parent, prev.cfg, prev.providerName, prev.asr, prev.vocab, prev.refiner)
	if err != nil {
		return err
	}
	p.current = next
	go p.drain(next)
	go p.consume(next)
	p.log.Info("recognition stream reopened", slog.String("provider", next.providerName))
	return nil
}

// armWatchdog bounds the wait for a terminal event after commit. Skipped
// when the terminal already arrived while the stop was in flight.
func (p *Pipeline) armWatchdog(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != s || p.state != domain.SessionStateProcessing {
		return
	}
	p.disarmWatchdogLocked()
	timeout := time.Duration(s.cfg.Pipeline.WatchdogTimeoutMS) * time.Millisecond
	p.watchdog = time.AfterFunc(timeout, func() { p.watchdogFire(s) })
}

func (p *Pipeline) disarmWatchdogLocked() {
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
}

func (p *Pipeline) watchdogFire(s *session) {
	p.mu.Lock()
	if p.current != s || p.state != domain.SessionStateProcessing {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.state = domain.SessionStateIdle
	p.watchdog = nil
	p.mu.Unlock()

	s.haltDrain()
	s.cancel()
	s.stream.Cancel()
	p.capture.Cancel()
	p.log.Warn("no terminal event before deadline, session abandoned",
		slog.String("provider", s.providerName))
	p.events.Error(domain.ErrorCodeTimeout, "transcription timed out")
	p.metrics.ErrorEmitted(string(domain.ErrorCodeTimeout))
}

func (p *Pipeline) hotkeyHeld() bool {
	if p.hotkeyDown == nil {
		return false
	}
	return p.hotkeyDown()
}

func (p *Pipeline) dumpRecording(s *session) {
	if s.cfg.Audio.DumpDir == "" {
		return
	}
	samples := s.recording()
	if len(samples) == 0 {
		return
	}
	path, err := audio.DumpRecording(s.cfg.Audio.DumpDir, samples, s.cfg.Audio.SampleRate)
	if err != nil {
		p.log.Warn("recording dump failed", slog.String("error", err.Error()))
		return
	}
	p.log.Debug("recording dumped", slog.String("path", path))
}

func (p *Pipeline) appendHistory(s *session, raw, final string, refined bool) {
	if p.history == nil {
		return
	}
	tr := domain.Transcription{
		ID:          uuid.NewString(),
		RawText:     raw,
		FinalText:   final,
		ASRProvider: s.providerName,
		DurationMS:  time.Since(s.started).Milliseconds(),
		CreatedAt:   time.Now().Unix(),
	}
	if refined {
		tr.LLMProvider = s.cfg.LLM.Provider
	}
	if err := p.history.Append(context.Background(), tr); err != nil {
		p.log.Warn("history append failed", slog.String("error", err.Error()))
	}
}
