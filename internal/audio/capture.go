package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var ErrCaptureRunning = errors.New("audio capture already running")

// pcmStream is the slice of the audio backend the capture needs. The
// real implementation wraps a PortAudio input stream.
type pcmStream interface {
	Start() error
	Stop() error
	Close() error
}

// streamOpener opens an input stream that feeds float32 frames to cb and
// reports the rate the device actually runs at.
type streamOpener func(device string, frames int, cb func([]float32)) (pcmStream, float64, error)

// Capture owns the microphone. Incoming frames are resampled to the
// target rate inside the callback and accumulated until drained.
type Capture struct {
	targetRate int
	frames     int
	device     string
	open       streamOpener
	log        *slog.Logger

	mu        sync.Mutex
	stream    pcmStream
	resampler *Resampler
	buffer    []float32
	running   bool
}

// NewCapture builds a PortAudio-backed capture resampling to targetRate.
// An empty device selects the system default input.
func NewCapture(targetRate, framesPerBuffer int, device string, log *slog.Logger) *Capture {
	return newCapture(targetRate, framesPerBuffer, device, openPortAudio, log)
}

func newCapture(targetRate, framesPerBuffer int, device string, open streamOpener, log *slog.Logger) *Capture {
	if targetRate <= 0 {
		targetRate = 16000
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &Capture{
		targetRate: targetRate,
		frames:     framesPerBuffer,
		device:     device,
		open:       open,
		log:        log.With(slog.String("component", "audio")),
	}
}

// Start opens the input device and begins buffering.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrCaptureRunning
	}
	c.mu.Unlock()

	stream, deviceRate, err := c.open(c.device, c.frames, c.onFrames)
	if err != nil {
		return fmt.Errorf("failed to open input stream: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.resampler = NewResampler(deviceRate, float64(c.targetRate))
	c.buffer = c.buffer[:0]
	c.running = true
	c.mu.Unlock()

	if err := stream.Start(); err != nil {
		c.teardown(true)
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	c.log.Debug("capture started",
		slog.Float64("device_rate", deviceRate),
		slog.Int("target_rate", c.targetRate))
	return nil
}

// DrainBuffer returns everything accumulated since the last drain, or nil
// when nothing arrived.
func (c *Capture) DrainBuffer() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) == 0 {
		return nil
	}
	out := make([]float32, len(c.buffer))
	copy(out, c.buffer)
	c.buffer = c.buffer[:0]
	return out
}

// Stop releases the device and returns the undrained tail.
func (c *Capture) Stop() []float32 {
	return c.teardown(false)
}

// Cancel releases the device and discards whatever was buffered.
func (c *Capture) Cancel() {
	c.teardown(true)
}

func (c *Capture) teardown(discard bool) []float32 {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	// Stop outside the lock: the callback takes the same mutex and the
	// stream stop waits for in-flight callbacks.
	if stream != nil {
		if err := stream.Stop(); err != nil {
			c.log.Warn("failed to stop input stream", slog.String("error", err.Error()))
		}
		if err := stream.Close(); err != nil {
			c.log.Warn("failed to close input stream", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var tail []float32
	if !discard && len(c.buffer) > 0 {
		tail = make([]float32, len(c.buffer))
		copy(tail, c.buffer)
	}
	c.buffer = nil
	if c.resampler != nil {
		c.resampler.Reset()
	}
	return tail
}

func (c *Capture) onFrames(in []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.resampler == nil {
		return
	}
	c.buffer = append(c.buffer, c.resampler.Process(in)...)
}

type portaudioStream struct {
	stream *portaudio.Stream
}

func (p *portaudioStream) Start() error { return p.stream.Start() }
func (p *portaudioStream) Stop() error  { return p.stream.Stop() }

func (p *portaudioStream) Close() error {
	err := p.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

func openPortAudio(device string, frames int, cb func([]float32)) (pcmStream, float64, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, 0, fmt.Errorf("portaudio init failed: %w", err)
	}

	info, err := resolveInputDevice(device)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, 0, err
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = frames

	stream, err := portaudio.OpenStream(params, func(in []float32) { cb(in) })
	if err != nil {
		_ = portaudio.Terminate()
		return nil, 0, fmt.Errorf("failed to open device %q: %w", info.Name, err)
	}
	return &portaudioStream{stream: stream}, params.SampleRate, nil
}

func resolveInputDevice(device string) (*portaudio.DeviceInfo, error) {
	if device == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio devices: %w", err)
	}
	for _, info := range devices {
		if info.MaxInputChannels > 0 && strings.Contains(strings.ToLower(info.Name), strings.ToLower(device)) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", device)
}
