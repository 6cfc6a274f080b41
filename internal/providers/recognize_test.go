package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
)

type fakeSession struct {
	mu        sync.Mutex
	chunks    [][]byte
	sendErr   error
	committed bool
	cancelled bool
	events    chan domain.StreamEvent
}

func newFakeSession(terminal ...domain.StreamEvent) *fakeSession {
	s := &fakeSession{events: make(chan domain.StreamEvent, len(terminal)+1)}
	for _, ev := range terminal {
		s.events <- ev
	}
	if len(terminal) > 0 {
		close(s.events)
	}
	return s
}

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *fakeSession) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	return nil
}

func (s *fakeSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *fakeSession) Events() <-chan domain.StreamEvent {
	return s.events
}

func (s *fakeSession) state() (chunks int, committed, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.committed, s.cancelled
}

func startWith(session ports.StreamSession) StartFunc {
	return func(ctx context.Context, sampleRate int) (ports.StreamSession, error) {
		return session, nil
	}
}

func TestStreamRecognizeChunksAndReturnsFinal(t *testing.T) {
	t.Parallel()

	session := newFakeSession(
		domain.StreamEvent{Kind: domain.StreamEventPartial, Text: "hel"},
		domain.StreamEvent{Kind: domain.StreamEventFinal, Text: "hello world"},
	)
	pcm := make([]byte, 8000)

	text, err := StreamRecognize(context.Background(), startWith(session), pcm, 16000)
	if err != nil {
		t.Fatalf("StreamRecognize failed: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected final transcript, got %q", text)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.committed {
		t.Fatal("session was never committed")
	}
	want := []int{3200, 3200, 1600}
	if len(session.chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(session.chunks))
	}
	for i, size := range want {
		if len(session.chunks[i]) != size {
			t.Fatalf("chunk %d: expected %d bytes, got %d", i, size, len(session.chunks[i]))
		}
	}
}

func TestStreamRecognizeReturnsTerminalError(t *testing.T) {
	t.Parallel()

	session := newFakeSession(domain.StreamEvent{
		Kind: domain.StreamEventError,
		Err:  domain.NewStreamError(domain.StreamErrorAPI, "bad model"),
	})

	_, err := StreamRecognize(context.Background(), startWith(session), make([]byte, 100), 16000)
	var streamErr *domain.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected a stream error, got %v", err)
	}
	if streamErr.Kind != domain.StreamErrorAPI || streamErr.Detail != "bad model" {
		t.Fatalf("unexpected stream error: %+v", streamErr)
	}
}

func TestStreamRecognizeStartFailure(t *testing.T) {
	t.Parallel()

	startErr := errors.New("dial refused")
	start := func(ctx context.Context, sampleRate int) (ports.StreamSession, error) {
		return nil, startErr
	}

	_, err := StreamRecognize(context.Background(), start, make([]byte, 100), 16000)
	if !errors.Is(err, startErr) {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestStreamRecognizeSendFailureDrainsTerminal(t *testing.T) {
	t.Parallel()

	session := newFakeSession(domain.StreamEvent{
		Kind: domain.StreamEventError,
		Err:  domain.NewStreamError(domain.StreamErrorNetwork, "connection reset"),
	})
	session.sendErr = errors.New("socket closed")

	_, err := StreamRecognize(context.Background(), startWith(session), make([]byte, 6400), 16000)
	var streamErr *domain.StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected the terminal stream error, got %v", err)
	}
	if streamErr.Kind != domain.StreamErrorNetwork {
		t.Fatalf("unexpected error kind: %v", streamErr.Kind)
	}

	chunks, committed, _ := session.state()
	if chunks != 0 {
		t.Fatalf("expected no chunks after send failure, got %d", chunks)
	}
	if !committed {
		t.Fatal("commit should still run so the server can settle the session")
	}
}

func TestStreamRecognizeClosedWithoutResult(t *testing.T) {
	t.Parallel()

	session := &fakeSession{events: make(chan domain.StreamEvent)}
	close(session.events)

	_, err := StreamRecognize(context.Background(), startWith(session), make([]byte, 100), 16000)
	if err == nil || err.Error() != "recognition stream closed without a result" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStreamRecognizeContextCancelled(t *testing.T) {
	t.Parallel()

	session := &fakeSession{events: make(chan domain.StreamEvent)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := StreamRecognize(ctx, startWith(session), make([]byte, 100), 16000)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StreamRecognize did not return after cancellation")
	}

	_, _, cancelled := session.state()
	if !cancelled {
		t.Fatal("session was not cancelled")
	}
}
