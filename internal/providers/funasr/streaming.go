package funasr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
	"github.com/vimo-ai/VhisperNative/internal/providers"
)

// Config controls the connection to a local FunASR runtime.
type Config struct {
	Endpoint      string
	Mode          string
	ChunkInterval int
	Hotwords      map[string]int
}

// Provider implements ports.StreamProvider against a self-hosted FunASR
// websocket server running the two-pass protocol.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://127.0.0.1:10095"
	}
	if cfg.Mode == "" {
		cfg.Mode = "2pass"
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 10
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) StartStreaming(ctx context.Context, sampleRate int) (ports.StreamSession, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsEndpoint(p.cfg.Endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FunASR server: %w", err)
	}

	// No acknowledgement for the opening frame: the first server message
	// arrives once audio flows.
	opening := handshakeMessage{
		Mode:          p.cfg.Mode,
		ChunkSize:     []int{5, 10, 5},
		ChunkInterval: p.cfg.ChunkInterval,
		WavName:       "vhisper_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16],
		WavFormat:     "pcm",
		AudioFS:       sampleRate,
		IsSpeaking:    true,
	}
	if len(p.cfg.Hotwords) > 0 {
		encoded, err := json.Marshal(p.cfg.Hotwords)
		if err == nil {
			opening.Hotwords = string(encoded)
		}
	}
	if err := conn.WriteJSON(opening); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send recognition config: %w", err)
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

// session merges the two recognition passes: online results append rough
// text, each offline result replaces the rough tail with authoritative
// text. The read loop is the only writer to the events channel.
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

	fixed    string
	live     string
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
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"is_speaking": false}`)); err != nil {
		s.setWriteErr(fmt.Errorf("failed to signal end of audio: %w", err))
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

		var msg recognitionMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch {
		case strings.Contains(msg.Mode, "offline"):
			s.fixed += msg.Text
			s.live = ""
		default:
			s.live += msg.Text
		}

		if bool(msg.IsEnd) {
			s.emitTerminal(domain.StreamEvent{Kind: domain.StreamEventFinal, Text: s.fullText()})
			return
		}
		if msg.Text != "" {
			s.emitPartial(s.fullText())
		}
	}
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
		// Some server builds close the socket instead of flagging the
		// last message.
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
	return s.fixed + s.live
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

type handshakeMessage struct {
	Mode          string `json:"mode"`
	ChunkSize     []int  `json:"chunk_size"`
	ChunkInterval int    `json:"chunk_interval"`
	WavName       string `json:"wav_name"`
	WavFormat     string `json:"wav_format"`
	AudioFS       int    `json:"audio_fs"`
	IsSpeaking    bool   `json:"is_speaking"`
	Hotwords      string `json:"hotwords,omitempty"`
}

type recognitionMessage struct {
	Text    string    `json:"text"`
	Mode    string    `json:"mode"`
	IsEnd   looseBool `json:"is_end"`
	WavName string    `json:"wav_name"`
}

// looseBool tolerates servers that encode booleans as 0/1 integers.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true", "1", `"true"`:
		*b = true
	default:
		*b = false
	}
	return nil
}

func wsEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if strings.HasPrefix(endpoint, "https://") {
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	if strings.HasPrefix(endpoint, "http://") {
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
