package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vimo-ai/VhisperNative/internal/audio"
	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
)

// Config controls the OpenAI-compatible transcription endpoint.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// Provider implements ports.StreamProvider over a batch HTTP endpoint.
// There is no realtime leg: streaming sessions buffer audio client-side
// and upload everything on Commit.
type Provider struct {
	cfg    Config
	client *http.Client
}

func NewProvider(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Recognize uploads the utterance as a WAV file and returns the
// transcript.
func (p *Provider) Recognize(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return "", errors.New("whisper API key is not configured")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(audio.WrapPCMInWAV(pcm, sampleRate)); err != nil {
		return "", fmt.Errorf("failed to write audio payload: %w", err)
	}
	_ = writer.WriteField("model", p.cfg.Model)
	if p.cfg.Language != "" {
		_ = writer.WriteField("language", p.cfg.Language)
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.NewStreamError(domain.StreamErrorNetwork, "failed to read response: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", domain.NewStreamError(domain.StreamErrorAPI, apiErrorDetail(resp.StatusCode, data))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", domain.NewStreamError(domain.StreamErrorAPI, "unexpected transcription response")
	}
	return strings.TrimSpace(result.Text), nil
}

// StartStreaming returns a session that accumulates audio locally. The
// terminal event is produced by the upload that Commit launches.
func (p *Provider) StartStreaming(ctx context.Context, sampleRate int) (ports.StreamSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("whisper API key is not configured")
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	return &batchSession{
		provider:   p,
		sampleRate: sampleRate,
		ctx:        uploadCtx,
		cancelCtx:  cancel,
		events:     make(chan domain.StreamEvent, 4),
	}, nil
}

type batchSession struct {
	provider   *Provider
	sampleRate int
	ctx        context.Context
	cancelCtx  context.CancelFunc
	events     chan domain.StreamEvent

	mu        sync.Mutex
	buf       []byte
	committed bool
	cancelled bool
	finished  bool
}

func (s *batchSession) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed || s.cancelled {
		return errors.New("audio stream is already closed")
	}
	s.buf = append(s.buf, pcm...)
	return nil
}

func (s *batchSession) Commit() error {
	s.mu.Lock()
	if s.committed || s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.committed = true
	pcm := s.buf
	s.mu.Unlock()

	go s.upload(pcm)
	return nil
}

func (s *batchSession) Cancel() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		s.cancelCtx()
		return
	}
	s.cancelled = true
	if !s.committed {
		// Nothing in flight, terminate the stream right here.
		s.finished = true
		s.events <- domain.StreamEvent{
			Kind: domain.StreamEventError,
			Err:  domain.NewStreamError(domain.StreamErrorCancelled, "recognition cancelled"),
		}
		close(s.events)
	}
	s.mu.Unlock()
	s.cancelCtx()
}

func (s *batchSession) Events() <-chan domain.StreamEvent {
	return s.events
}

func (s *batchSession) upload(pcm []byte) {
	text, err := s.provider.Recognize(s.ctx, pcm, s.sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if err != nil {
		s.events <- domain.StreamEvent{Kind: domain.StreamEventError, Err: asStreamError(err)}
	} else {
		s.events <- domain.StreamEvent{Kind: domain.StreamEventFinal, Text: text}
	}
	close(s.events)
}

func classifyTransportError(err error) *domain.StreamError {
	if errors.Is(err, context.Canceled) {
		return domain.NewStreamError(domain.StreamErrorCancelled, "recognition cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewStreamError(domain.StreamErrorTimeout, "transcription request timed out")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return domain.NewStreamError(domain.StreamErrorTimeout, "transcription request timed out")
	}
	return domain.NewStreamError(domain.StreamErrorNetwork, err.Error())
}

func asStreamError(err error) *domain.StreamError {
	var se *domain.StreamError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewStreamError(domain.StreamErrorCancelled, "recognition cancelled")
	}
	return domain.NewStreamError(domain.StreamErrorNetwork, err.Error())
}

func apiErrorDetail(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Error.Message) != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("HTTP %d", status)
}
