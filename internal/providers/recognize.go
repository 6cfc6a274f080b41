package providers

import (
	"context"
	"errors"

	"github.com/vimo-ai/VhisperNative/internal/domain"
	"github.com/vimo-ai/VhisperNative/internal/ports"
)

// recognizeChunkBytes is 100 ms of 16 kHz mono PCM16.
const recognizeChunkBytes = 3200

// StartFunc opens one streaming recognition session.
type StartFunc func(ctx context.Context, sampleRate int) (ports.StreamSession, error)

// StreamRecognize pushes a complete utterance through a streaming session
// and returns the terminal transcript. Providers without a native batch
// endpoint build their one-shot recognition on it.
func StreamRecognize(ctx context.Context, start StartFunc, pcm []byte, sampleRate int) (string, error) {
	session, err := start(ctx, sampleRate)
	if err != nil {
		return "", err
	}

	for offset := 0; offset < len(pcm); offset += recognizeChunkBytes {
		select {
		case <-ctx.Done():
			session.Cancel()
			return "", ctx.Err()
		default:
		}

		end := offset + recognizeChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := session.SendAudio(pcm[offset:end]); err != nil {
			// The socket is gone; the terminal error arrives on the
			// event stream below.
			break
		}
	}
	if err := session.Commit(); err != nil {
		session.Cancel()
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			session.Cancel()
			return "", ctx.Err()
		case event, ok := <-session.Events():
			if !ok {
				return "", errors.New("recognition stream closed without a result")
			}
			switch event.Kind {
			case domain.StreamEventFinal:
				return event.Text, nil
			case domain.StreamEventError:
				if event.Err != nil {
					return "", event.Err
				}
				return "", errors.New("recognition failed")
			}
		}
	}
}
