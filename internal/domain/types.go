package domain

import "errors"

// SessionState models the push-to-talk lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateRecording  SessionState = "recording"
	SessionStateProcessing SessionState = "processing"
)

// ErrorCode identifies warnings and errors surfaced to the event sink.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeAudioCapture  ErrorCode = "audio_capture"
	ErrorCodeNoSpeech      ErrorCode = "no_speech"
	ErrorCodeLowVolume     ErrorCode = "low_volume"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeRefinement    ErrorCode = "refinement"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeOutput        ErrorCode = "output"
	ErrorCodeHistory       ErrorCode = "history"
)

// StreamEventKind identifies the three recognition event shapes.
type StreamEventKind string

const (
	StreamEventPartial StreamEventKind = "partial"
	StreamEventFinal   StreamEventKind = "final"
	StreamEventError   StreamEventKind = "error"
)

// StreamEvent is one recognition update from a provider session. Partial
// events carry the current hypothesis plus an optional speculative stash
// tail; a Final or Error event is terminal and the stream closes after it.
type StreamEvent struct {
	Kind  StreamEventKind
	Text  string
	Stash string
	Err   *StreamError
}

// StreamErrorKind classifies provider failures.
type StreamErrorKind string

const (
	StreamErrorNetwork   StreamErrorKind = "network"
	StreamErrorAPI       StreamErrorKind = "api"
	StreamErrorTimeout   StreamErrorKind = "timeout"
	StreamErrorCancelled StreamErrorKind = "cancelled"
)

// StreamError is the typed failure carried by terminal Error events and
// returned from one-shot recognition.
type StreamError struct {
	Kind   StreamErrorKind
	Detail string
}

func (e *StreamError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// NewStreamError builds a classified provider error.
func NewStreamError(kind StreamErrorKind, detail string) *StreamError {
	return &StreamError{Kind: kind, Detail: detail}
}

// IsCancelled reports whether err resolves to a cancelled stream error.
func IsCancelled(err error) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == StreamErrorCancelled
}

// Transcription is one completed dictation, as recorded in history.
type Transcription struct {
	ID          string
	RawText     string
	FinalText   string
	ASRProvider string
	LLMProvider string
	DurationMS  int64
	CreatedAt   int64
}

// Status summarizes the current runtime status for hosts.
type Status struct {
	State    SessionState `json:"state"`
	Provider string       `json:"provider"`
	Message  string       `json:"message,omitempty"`
}
