package ports

import (
	"context"

	"github.com/vimo-ai/VhisperNative/internal/domain"
)

// AudioCapture owns the microphone. Start opens the device and begins
// buffering, DrainBuffer hands back whatever accumulated since the last
// call, Stop returns the remaining tail and releases the device, Cancel
// releases the device and discards the buffer.
type AudioCapture interface {
	Start() error
	DrainBuffer() []float32
	Stop() []float32
	Cancel()
}

// StreamSession is one live recognition exchange. SendAudio pushes PCM16LE
// bytes, Commit signals end of audio, Cancel abandons the exchange. The
// events channel delivers partials followed by exactly one terminal Final
// or Error event, then closes.
type StreamSession interface {
	SendAudio(pcm []byte) error
	Commit() error
	Cancel()
	Events() <-chan domain.StreamEvent
}

// StreamProvider opens recognition sessions and performs one-shot
// recognition of complete utterances.
type StreamProvider interface {
	StartStreaming(ctx context.Context, sampleRate int) (StreamSession, error)
	Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Refiner rewrites a raw transcript into cleaner text.
type Refiner interface {
	RefineText(ctx context.Context, text string) (string, error)
}

// VocabularyRewriter applies deterministic vocabulary substitutions.
type VocabularyRewriter interface {
	Apply(text string) string
}

// TextInjector delivers final text to the user's foreground context.
type TextInjector interface {
	OutputText(ctx context.Context, text string) error
}

// HistoryStore persists completed dictations.
type HistoryStore interface {
	Append(ctx context.Context, tr domain.Transcription) error
	Recent(ctx context.Context, limit int) ([]domain.Transcription, error)
	Close() error
}

// EventSink emits pipeline lifecycle events to the host.
type EventSink interface {
	RecordingStarted()
	RecordingStopped()
	PartialResult(text string, stash string)
	FinalResult(text string)
	Cancelled()
	Warning(code domain.ErrorCode, detail string)
	Error(code domain.ErrorCode, detail string)
}
