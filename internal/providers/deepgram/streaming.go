package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
	"github.com/vimo-ai/VhisperNative/internal/providers"
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Language      string
	SmartFormat   bool
	EndpointingMS int
}

// Provider implements ports.StreamProvider against the Deepgram realtime
// listen endpoint.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) StartStreaming(ctx context.Context, sampleRate int) (ports.StreamSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("deepgram API key is not configured")
	}

	wsURL, err := buildListenURL(p.cfg, sampleRate)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	s := &session{
		conn:   conn,
		events: make(chan domain.StreamEvent, 64),
		audio:  make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		s.Cancel()
	}()

	return s, nil
}

// Recognize transcribes one complete utterance over a short-lived
// streaming session.
func (p *Provider) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return providers.StreamRecognize(ctx, p.StartStreaming, pcm, sampleRate)
}

// session accumulates is_final segments and reports the full hypothesis on
// every event. The read loop is the only writer to the events channel, so
// exactly one terminal event gets through.
type session struct {
	conn *websocket.Conn

	events chan domain.StreamEvent
	audio  chan []byte
	done   chan struct{}

	wg sync.WaitGroup

	commitOnce sync.Once
	cancelOnce sync.Once
	sendMu     sync.RWMutex
	sendClosed bool

	stateMu   sync.Mutex
	committed bool
	cancelled bool
	writeErr  error

	finals   []string
	interim  string
	terminal bool
}

func (s *session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	s.sendMu.RLock()
	closed := s.sendClosed
	s.sendMu.RUnlock()
	if closed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), pcm...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		return errors.New("session closed")
	}
}

func (s *session) Commit() error {
	s.commitOnce.Do(func() {
		s.stateMu.Lock()
		s.committed = true
		s.stateMu.Unlock()

		s.sendMu.Lock()
		if !s.sendClosed {
			s.sendClosed = true
			close(s.audio)
		}
		s.sendMu.Unlock()
	})
	return nil
}

func (s *session) Cancel() {
	s.cancelOnce.Do(func() {
		s.stateMu.Lock()
		s.cancelled = true
		s.stateMu.Unlock()

		s.sendMu.Lock()
		if !s.sendClosed {
			s.sendClosed = true
			close(s.audio)
		}
		s.sendMu.Unlock()

		_ = s.conn.Close()
	})
}

func (s *session) Events() <-chan domain.StreamEvent {
	return s.events
}

func (s *session) isCommitted() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.committed
}

func (s *session) isCancelled() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cancelled
}

func (s *session) setWriteErr(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setWriteErr(fmt.Errorf("failed to send audio: %w", err))
			return
		}
	}

	if s.isCancelled() {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setWriteErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *session) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		var response listenResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		switch {
		case strings.EqualFold(response.Type, "Error"):
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.emitTerminal(domain.StreamEvent{
				Kind: domain.StreamEventError,
				Err:  domain.NewStreamError(domain.StreamErrorAPI, message),
			})
			return

		case strings.EqualFold(response.Type, "Metadata"):
			// Servers send one Metadata on connect and one after
			// CloseStream. Only the post-commit one ends the session.
			if s.isCommitted() {
				s.emitTerminal(domain.StreamEvent{Kind: domain.StreamEventFinal, Text: s.fullText()})
				return
			}

		default:
			if done := s.handleTranscript(response); done {
				return
			}
		}
	}
}

func (s *session) handleTranscript(response listenResponse) bool {
	text := extractTranscript(response)
	if response.IsFinal {
		if text != "" {
			s.finals = append(s.finals, text)
		}
		s.interim = ""
	} else if text != "" {
		s.interim = text
	}

	if response.SpeechFinal {
		s.emitTerminal(domain.StreamEvent{Kind: domain.StreamEventFinal, Text: s.fullText()})
		return true
	}
	if text != "" {
		s.emitPartial(s.fullText())
	}
	return false
}

func (s *session) handleReadError(err error) {
	if s.isCancelled() {
		s.emitTerminal(domain.StreamEvent{
			Kind: domain.StreamEventError,
			Err:  domain.NewStreamError(domain.StreamErrorCancelled, "recognition cancelled"),
		})
		return
	}

	benign := websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
	if benign && s.isCommitted() {
		s.emitTerminal(domain.StreamEvent{Kind: domain.StreamEventFinal, Text: s.fullText()})
		return
	}

	detail := err.Error()
	s.stateMu.Lock()
	if s.writeErr != nil {
		detail = s.writeErr.Error()
	}
	s.stateMu.Unlock()
	s.emitTerminal(domain.StreamEvent{
		Kind: domain.StreamEventError,
		Err:  domain.NewStreamError(domain.StreamErrorNetwork, detail),
	})
}

func (s *session) fullText() string {
	joined := strings.Join(s.finals, " ")
	if s.interim == "" {
		return joined
	}
	if joined == "" {
		return s.interim
	}
	return joined + " " + s.interim
}

func (s *session) emitPartial(text string) {
	select {
	case s.events <- domain.StreamEvent{Kind: domain.StreamEventPartial, Text: text}:
	default:
	}
}

func (s *session) emitTerminal(event domain.StreamEvent) {
	if s.terminal {
		return
	}
	s.terminal = true
	s.events <- event
}

type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func extractTranscript(response listenResponse) string {
	if len(response.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(response.Channel.Alternatives[0].Transcript)
}

func buildListenURL(cfg Config, sampleRate int) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram base URL: %w", err)
	}

	if sampleRate <= 0 {
		sampleRate = 16000
	}
	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	query.Set("channels", "1")
	query.Set("interim_results", "true")
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	if cfg.EndpointingMS > 0 {
		query.Set("endpointing", fmt.Sprintf("%d", cfg.EndpointingMS))
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
