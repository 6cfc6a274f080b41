package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vimo-ai/VhisperNative/internal/audio"
	"github.com/vimo-ai/VhisperNative/internal/config"
	"github.com/vimo-ai/VhisperNative/internal/ports"
)

// session is one live recognition exchange. It snapshots the config and
// collaborators it was started with, so a config update mid-dictation
// only affects the next session.
type session struct {
	providerName string
	cfg          config.Config
	asr          ports.StreamProvider
	vocab        ports.VocabularyRewriter
	refiner      ports.Refiner

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	stream ports.StreamSession

	drainStop chan struct{}
	drainOnce sync.Once
	drainDone chan struct{}

	started time.Time

	recMu     sync.Mutex
	peak      float32
	samples   int
	keepAudio bool
	recorded  []float32
}

func newSession(
	parent context.Context,
	cfg config.Config,
	providerName string,
	asr ports.StreamProvider,
	vocab ports.VocabularyRewriter,
	refiner ports.Refiner,
) (*session, error) {
	ctx, cancel := context.WithCancel(parent)
	stream, err := asr.StartStreaming(ctx, cfg.Audio.SampleRate)
	if err != nil {
		cancel()
		return nil, err
	}
	return &session{
		providerName: providerName,
		cfg:          cfg,
		asr:          asr,
		vocab:        vocab,
		refiner:      refiner,
		parent:       parent,
		ctx:          ctx,
		cancel:       cancel,
		stream:       stream,
		drainStop:    make(chan struct{}),
		drainDone:    make(chan struct{}),
		started:      time.Now(),
		keepAudio:    cfg.Audio.DumpDir != "",
	}, nil
}

// haltDrain asks the drain goroutine to stop. Safe to call repeatedly.
func (s *session) haltDrain() {
	s.drainOnce.Do(func() { close(s.drainStop) })
}

// observe folds a drained chunk into the running quality stats, and keeps
// the samples when a dump directory is configured.
func (s *session) observe(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if peak := audio.Peak(chunk); peak > s.peak {
		s.peak = peak
	}
	s.samples += len(chunk)
	if s.keepAudio {
		s.recorded = append(s.recorded, chunk...)
	}
}

func (s *session) qualityReport() audio.QualityReport {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return audio.CheckPeak(s.peak, s.samples)
}

func (s *session) recording() []float32 {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.recorded
}
