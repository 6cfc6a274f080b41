package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegCapture reads microphone PCM from an ffmpeg subprocess. It backs
// deployments where PortAudio is unavailable. The subprocess emits mono
// s16le at the target rate, so no resampling happens on this side.
type FFmpegCapture struct {
	command     string
	inputFormat string
	device      string
	sampleRate  int
	log         *slog.Logger

	mu        sync.Mutex
	buffer    []float32
	running   bool
	accepting bool
	process   *os.Process
	stdout    io.ReadCloser
	stderr    *bytes.Buffer
	waitErr   <-chan error
	readDone  chan struct{}
}

// NewFFmpegCapture builds an ffmpeg-backed capture. An empty command
// resolves ffmpeg from PATH; an empty input format selects pulse and an
// empty device the system default source.
func NewFFmpegCapture(command, inputFormat, device string, sampleRate int, log *slog.Logger) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if device == "" {
		device = "default"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &FFmpegCapture{
		command:     command,
		inputFormat: inputFormat,
		device:      device,
		sampleRate:  sampleRate,
		log:         log.With(slog.String("component", "audio")),
	}
}

// Start launches the subprocess and begins buffering its output.
func (c *FFmpegCapture) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrCaptureRunning
	}
	c.mu.Unlock()

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.device,
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// Give ffmpeg a moment to reject a bad device instead of handing the
	// caller a capture that dies on the first read.
	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	c.buffer = nil
	c.running = true
	c.accepting = true
	c.process = cmd.Process
	c.stdout = stdout
	c.stderr = &stderr
	c.waitErr = waitErr
	c.readDone = readDone
	c.mu.Unlock()

	go c.readLoop(stdout, readDone)

	c.log.Debug("ffmpeg capture started",
		slog.String("input_format", c.inputFormat),
		slog.Int("target_rate", c.sampleRate))
	return nil
}

func (c *FFmpegCapture) readLoop(stdout io.Reader, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, 4096)
	var carry []byte
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			data := chunk[:n]
			if len(carry) > 0 {
				data = append(append([]byte{}, carry...), data...)
				carry = nil
			}
			// A read can split a sample; hold the odd byte for the next one.
			if len(data)%2 != 0 {
				carry = []byte{data[len(data)-1]}
				data = data[:len(data)-1]
			}
			samples := DecodePCM16LE(data)
			c.mu.Lock()
			if c.accepting {
				c.buffer = append(c.buffer, samples...)
			}
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// DrainBuffer returns everything accumulated since the last drain, or nil
// when nothing arrived.
func (c *FFmpegCapture) DrainBuffer() []float32 {
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

// Stop terminates the subprocess and returns the undrained tail.
func (c *FFmpegCapture) Stop() []float32 {
	return c.teardown(false)
}

// Cancel terminates the subprocess and discards whatever was buffered.
func (c *FFmpegCapture) Cancel() {
	c.teardown(true)
}

func (c *FFmpegCapture) teardown(discard bool) []float32 {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	if discard {
		c.accepting = false
	}
	process := c.process
	stdout := c.stdout
	stderr := c.stderr
	waitErr := c.waitErr
	readDone := c.readDone
	c.process = nil
	c.stdout = nil
	c.stderr = nil
	c.waitErr = nil
	c.readDone = nil
	c.mu.Unlock()

	if process != nil {
		_ = process.Signal(os.Interrupt)
		select {
		case err := <-waitErr:
			c.logStopError(normalizeStopErr(err), stderr)
		case <-time.After(1200 * time.Millisecond):
			_ = process.Kill()
			c.logStopError(normalizeStopErr(<-waitErr), stderr)
		}
	}

	// On stop, let the reader reach EOF so the pipe's remainder makes the
	// tail. Force the pipe closed if something still holds the write end.
	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(500 * time.Millisecond):
			if stdout != nil {
				_ = stdout.Close()
			}
			<-readDone
		}
	}
	if stdout != nil {
		_ = stdout.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepting = false
	var tail []float32
	if !discard && len(c.buffer) > 0 {
		tail = make([]float32, len(c.buffer))
		copy(tail, c.buffer)
	}
	c.buffer = nil
	return tail
}

func (c *FFmpegCapture) logStopError(err error, stderr *bytes.Buffer) {
	if err == nil {
		return
	}
	detail := err.Error()
	if stderr != nil && stderr.Len() > 0 {
		detail += ": " + strings.TrimSpace(stderr.String())
	}
	c.log.Warn("ffmpeg exited uncleanly", slog.String("error", detail))
}

// normalizeStopErr drops exit-status errors: nonzero exits are the normal
// outcome of interrupting or killing the subprocess.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
