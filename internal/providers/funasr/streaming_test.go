package funasr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
)

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	if p.cfg.Endpoint != "ws://127.0.0.1:10095" {
		t.Fatalf("unexpected endpoint: %q", p.cfg.Endpoint)
	}
	if p.cfg.Mode != "2pass" {
		t.Fatalf("unexpected mode: %q", p.cfg.Mode)
	}
	if p.cfg.ChunkInterval != 10 {
		t.Fatalf("unexpected chunk interval: %d", p.cfg.ChunkInterval)
	}
}

func TestWSEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"http://127.0.0.1:10095", "ws://127.0.0.1:10095"},
		{"https://asr.example.com", "wss://asr.example.com"},
		{"ws://127.0.0.1:10095", "ws://127.0.0.1:10095"},
	}
	for _, tc := range cases {
		if got := wsEndpoint(tc.in); got != tc.want {
			t.Fatalf("wsEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLooseBool(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want bool
	}{
		{`{"is_end":true}`, true},
		{`{"is_end":1}`, true},
		{`{"is_end":"true"}`, true},
		{`{"is_end":false}`, false},
		{`{"is_end":0}`, false},
	}
	for _, tc := range cases {
		var msg recognitionMessage
		if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
			t.Fatalf("unmarshal %s failed: %v", tc.raw, err)
		}
		if bool(msg.IsEnd) != tc.want {
			t.Fatalf("%s: expected is_end=%t", tc.raw, tc.want)
		}
	}
}

func newRecognitionServer(t *testing.T, cfg Config, handler func(conn *websocket.Conn)) *Provider {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	cfg.Endpoint = srv.URL
	return NewProvider(cfg)
}

func readOpening(conn *websocket.Conn) (handshakeMessage, error) {
	var opening handshakeMessage
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return opening, err
	}
	return opening, json.Unmarshal(payload, &opening)
}

func readUntilStopSpeaking(conn *websocket.Conn) error {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind == websocket.TextMessage && strings.Contains(string(payload), "is_speaking") {
			return nil
		}
	}
}

func passResult(mode, text, isEnd string) []byte {
	return []byte(fmt.Sprintf(`{"mode":%q,"text":%q,"is_end":%s}`, mode, text, isEnd))
}

func drainEvents(t *testing.T, session ports.StreamSession) []domain.StreamEvent {
	t.Helper()

	var events []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for the event stream to close")
		}
	}
}

func TestSessionMergesTwoPassResults(t *testing.T) {
	t.Parallel()

	cfg := Config{Hotwords: map[string]int{"Vimo": 20}}
	p := newRecognitionServer(t, cfg, func(conn *websocket.Conn) {
		opening, err := readOpening(conn)
		if err != nil {
			return
		}
		if opening.Mode != "2pass" || opening.WavFormat != "pcm" || !opening.IsSpeaking {
			t.Errorf("unexpected opening frame: %+v", opening)
		}
		if len(opening.ChunkSize) != 3 || opening.ChunkSize[1] != 10 {
			t.Errorf("unexpected chunk size: %v", opening.ChunkSize)
		}
		if opening.AudioFS != 16000 {
			t.Errorf("unexpected audio_fs: %d", opening.AudioFS)
		}
		var hotwords map[string]int
		if err := json.Unmarshal([]byte(opening.Hotwords), &hotwords); err != nil || hotwords["Vimo"] != 20 {
			t.Errorf("hotwords were not forwarded: %q", opening.Hotwords)
		}

		if err := readUntilStopSpeaking(conn); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, passResult("2pass-online", "hel", "false"))
		_ = conn.WriteMessage(websocket.TextMessage, passResult("2pass-online", "lo wor", "false"))
		_ = conn.WriteMessage(websocket.TextMessage, passResult("2pass-offline", "hello world.", "false"))
		_ = conn.WriteMessage(websocket.TextMessage, passResult("2pass-online", "bye", "false"))
		_ = conn.WriteMessage(websocket.TextMessage, passResult("2pass-offline", "Bye.", "1"))
	})

	session, err := p.StartStreaming(context.Background(), 16000)
	if err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if err := session.SendAudio(make([]byte, 1920)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	if err := session.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	events := drainEvents(t, session)
	if len(events) == 0 {
		t.Fatal("expected at least the terminal event")
	}

	last := events[len(events)-1]
	if last.Kind != domain.StreamEventFinal {
		t.Fatalf("expected a final event, got %+v", last)
	}
	if last.Text != "hello world.Bye." {
		t.Fatalf("unexpected final transcript: %q", last.Text)
	}

	var partials []string
	for _, ev := range events[:len(events)-1] {
		if ev.Kind != domain.StreamEventPartial {
			t.Fatalf("terminal event before the end of the stream: %+v", ev)
		}
		partials = append(partials, ev.Text)
	}
	for _, want := range []string{"hello wor", "hello world."} {
		found := false
		for _, got := range partials {
			if got == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected partial %q, got %v", want, partials)
		}
	}
}

func TestSessionBenignCloseAfterCommitYieldsFinal(t *testing.T) {
	t.Parallel()

	p := newRecognitionServer(t, Config{}, func(conn *websocket.Conn) {
		if _, err := readOpening(conn); err != nil {
			return
		}
		if err := readUntilStopSpeaking(conn); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, passResult("2pass-offline", "quick note", "false"))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	session, err := p.StartStreaming(context.Background(), 16000)
	if err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if err := session.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	events := drainEvents(t, session)
	last := events[len(events)-1]
	if last.Kind != domain.StreamEventFinal || last.Text != "quick note" {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
}

func TestSessionCancelReportsCancelled(t *testing.T) {
	t.Parallel()

	p := newRecognitionServer(t, Config{}, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	session, err := p.StartStreaming(context.Background(), 16000)
	if err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}
	if err := session.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	session.Cancel()

	events := drainEvents(t, session)
	last := events[len(events)-1]
	if last.Kind != domain.StreamEventError || !domain.IsCancelled(last.Err) {
		t.Fatalf("expected a cancellation, got %+v", last)
	}
}
