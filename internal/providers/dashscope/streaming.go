package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
	"github.com/vimo-ai/VhisperNative/internal/providers"
)

// handshakeTimeout bounds the wait for the task-started acknowledgement.
const handshakeTimeout = 10 * time.Second

// Config controls DashScope realtime recognition settings.
type Config struct {
	APIKey               string
	BaseURL              string
	Model                string
	VocabularyID         string
	LanguageHints        []string
	MaxSentenceSilenceMS int
}

// Provider implements ports.StreamProvider against the DashScope duplex
// inference endpoint.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	}
	if cfg.Model == "" {
		cfg.Model = "gummy-realtime-v1"
	}
	return &Provider{cfg: cfg}
}

// StartStreaming dials the endpoint, submits the recognition task, and
// blocks until the server acknowledges it. A session is only returned
// once the task is running.
func (p *Provider) StartStreaming(ctx context.Context, sampleRate int) (ports.StreamSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("dashscope API key is not configured")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	headers := http.Header{}
	headers.Set("Authorization", "bearer "+p.cfg.APIKey)

	conn, _, err := dialer.DialContext(ctx, wsEndpoint(p.cfg.BaseURL), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DashScope websocket: %w", err)
	}

	taskID := strings.ReplaceAll(uuid.New().String(), "-", "")
	runTask := clientMessage{
		Header: clientHeader{Action: "run-task", TaskID: taskID, Streaming: "duplex"},
		Payload: &clientPayload{
			TaskGroup: "audio",
			Task:      "asr",
			Function:  "recognition",
			Model:     p.cfg.Model,
			Parameters: &recognitionParams{
				Format:             "pcm",
				SampleRate:         sampleRate,
				VocabularyID:       p.cfg.VocabularyID,
				LanguageHints:      p.cfg.LanguageHints,
				MaxSentenceSilence: p.cfg.MaxSentenceSilenceMS,
			},
			Input: map[string]any{},
		},
	}
	if err := conn.WriteJSON(runTask); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to submit recognition task: %w", err)
	}

	if err := awaitTaskStarted(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &session{
		conn:   conn,
		taskID: taskID,
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

func awaitTaskStarted(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return domain.NewStreamError(domain.StreamErrorTimeout, "timed out waiting for task-started")
			}
			return fmt.Errorf("failed to read task acknowledgement: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Header.Event {
		case "task-started":
			return nil
		case "task-failed":
			return domain.NewStreamError(domain.StreamErrorAPI, taskFailure(msg))
		}
	}
}

// session assembles committed sentences plus the in-flight sentence and
// its speculative stash. The read loop is the only writer to the events
// channel.
type session struct {
	conn   *websocket.Conn
	taskID string

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

	sentences []string
	current   string
	stash     string
	terminal  bool
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
	finish := clientMessage{
		Header:  clientHeader{Action: "finish-task", TaskID: s.taskID},
		Payload: &clientPayload{Input: map[string]any{}},
	}
	if err := s.conn.WriteJSON(finish); err != nil {
		s.setWriteErr(fmt.Errorf("failed to finish task: %w", err))
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

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch msg.Header.Event {
		case "result-generated":
			s.handleSentence(msg)

		case "task-finished":
			s.emitTerminal(domain.StreamEvent{Kind: domain.StreamEventFinal, Text: s.fullText()})
			return

		case "task-failed":
			s.emitTerminal(domain.StreamEvent{
				Kind: domain.StreamEventError,
				Err:  domain.NewStreamError(domain.StreamErrorAPI, taskFailure(msg)),
			})
			return
		}
	}
}

func (s *session) handleSentence(msg serverMessage) {
	sentence := msg.Payload.Output.Sentence
	if sentence.SentenceEnd {
		if sentence.Text != "" {
			s.sentences = append(s.sentences, sentence.Text)
		}
		s.current = ""
		s.stash = ""
	} else {
		s.current = sentence.Text
		s.stash = sentence.Stash.Text
	}
	s.emitPartial(s.fullText(), s.stash)
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

// fullText joins committed sentences as-is: the server includes its own
// punctuation and spacing.
func (s *session) fullText() string {
	return strings.Join(s.sentences, "") + s.current
}

func (s *session) emitPartial(text, stash string) {
	select {
	case s.events <- domain.StreamEvent{Kind: domain.StreamEventPartial, Text: text, Stash: stash}:
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

type clientMessage struct {
	Header  clientHeader   `json:"header"`
	Payload *clientPayload `json:"payload,omitempty"`
}

type clientHeader struct {
	Action    string `json:"action"`
	TaskID    string `json:"task_id"`
	Streaming string `json:"streaming,omitempty"`
}

type clientPayload struct {
	TaskGroup  string             `json:"task_group,omitempty"`
	Task       string             `json:"task,omitempty"`
	Function   string             `json:"function,omitempty"`
	Model      string             `json:"model,omitempty"`
	Parameters *recognitionParams `json:"parameters,omitempty"`
	Input      map[string]any     `json:"input"`
}

type recognitionParams struct {
	Format             string   `json:"format"`
	SampleRate         int      `json:"sample_rate"`
	VocabularyID       string   `json:"vocabulary_id,omitempty"`
	LanguageHints      []string `json:"language_hints,omitempty"`
	MaxSentenceSilence int      `json:"max_sentence_silence,omitempty"`
}

type serverMessage struct {
	Header struct {
		Event        string `json:"event"`
		TaskID       string `json:"task_id"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
	Payload struct {
		Output struct {
			Sentence struct {
				Text        string `json:"text"`
				SentenceEnd bool   `json:"sentence_end"`
				Stash       struct {
					Text string `json:"text"`
				} `json:"stash"`
			} `json:"sentence"`
		} `json:"output"`
	} `json:"payload"`
}

func taskFailure(msg serverMessage) string {
	message := strings.TrimSpace(msg.Header.ErrorMessage)
	if message == "" {
		message = "dashscope task failed"
	}
	if code := strings.TrimSpace(msg.Header.ErrorCode); code != "" {
		return code + ": " + message
	}
	return message
}

func wsEndpoint(base string) string {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
