package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

var (
	ErrAlreadyRecording = errors.New("recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrEmptyArtifact    = errors.New("failed to create audio artifact")

	// Device implementations wrap these so the engine can classify acquisition failures
	ErrNoDevice         = errors.New("no capture device found")
	ErrPermissionDenied = errors.New("capture device access denied")
)

const (
	// PreferredSampleRate is requested from the device on every start
	PreferredSampleRate = 44100

	chunkInterval = 100 * time.Millisecond
)

// Artifact is a finished recording. It is never modified after Stop returns it.
type Artifact struct {
	Data     []byte
	MIMEType string
}

// FileName returns an upload name whose extension matches the MIME type
func (a *Artifact) FileName() string {
	return "recording" + ExtensionFor(a.MIMEType)
}

// ContentType returns the MIME type without codec parameters
func (a *Artifact) ContentType() string {
	base := strings.TrimSpace(strings.SplitN(a.MIMEType, ";", 2)[0])
	if base == "" {
		return DefaultMIMEType
	}
	return base
}

// RecordingState is a read-only snapshot of the engine
type RecordingState struct {
	IsRecording     bool
	IsPaused        bool
	DurationSeconds int
	Artifact        *Artifact
}

// Constraints are the hints passed to the device when opening a stream
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	MIMEType         string
}

// Device opens exclusive microphone streams
type Device interface {
	Prober
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture. Read returns io.EOF once Finalize has flushed
// everything; Close releases the hardware and may be called repeatedly.
type Stream interface {
	io.Reader
	MIMEType() string
	Finalize() error
	Close() error
}

// Engine owns the microphone for the duration of one recording
type Engine struct {
	device     Device
	sampleRate int
	now        func() time.Time

	mu        sync.Mutex
	recording bool
	startedAt time.Time
	mimeType  string
	stream    Stream
	collector *collector
	artifact  *Artifact
}

// NewEngine creates an idle engine for the given device
func NewEngine(device Device, sampleRate int) *Engine {
	if sampleRate <= 0 {
		sampleRate = PreferredSampleRate
	}
	return &Engine{
		device:     device,
		sampleRate: sampleRate,
		now:        time.Now,
	}
}

// Start acquires the microphone and begins buffering audio
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recording {
		return ErrAlreadyRecording
	}
	e.artifact = nil

	mimeType := NegotiateMIMEType(e.device)
	stream, err := e.device.Open(ctx, Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		SampleRate:       e.sampleRate,
		MIMEType:         mimeType,
	})
	if err != nil {
		e.cleanupLocked()
		return deviceError(err)
	}

	e.stream = stream
	e.mimeType = mimeType
	e.startedAt = e.now()
	e.recording = true
	e.collector = newCollector(stream)
	e.collector.start(chunkInterval)

	slog.Debug("Capture started", "mime_type", mimeType, "sample_rate", e.sampleRate)
	return nil
}

func deviceError(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return voiceerr.PermissionDenied(err)
	case errors.Is(err, ErrNoDevice):
		return voiceerr.NoMicrophone(err)
	default:
		return fmt.Errorf("failed to start recording: %w", err)
	}
}

// Stop finalizes the capture and returns the assembled artifact. The device is
// released whatever the outcome.
func (e *Engine) Stop(ctx context.Context) (*Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.recording {
		return nil, ErrNotRecording
	}
	defer e.cleanupLocked()

	if err := e.stream.Finalize(); err != nil {
		slog.Warn("Capture did not finalize cleanly", "error", err)
	}

	data, err := e.collector.finish(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect audio: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyArtifact
	}

	mimeType := e.stream.MIMEType()
	if mimeType == "" {
		mimeType = e.mimeType
	}
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}

	e.artifact = &Artifact{Data: data, MIMEType: mimeType}
	slog.Debug("Capture stopped", "bytes", len(data), "mime_type", mimeType)
	return e.artifact, nil
}

// Cleanup releases the device and clears buffers. Safe in any state.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanupLocked()
}

func (e *Engine) cleanupLocked() {
	if e.stream != nil {
		if err := e.stream.Close(); err != nil {
			slog.Debug("Failed to close capture stream", "error", err)
		}
		e.stream = nil
	}
	if e.collector != nil {
		e.collector.halt()
		e.collector = nil
	}
	e.recording = false
	e.startedAt = time.Time{}
}

// State returns a snapshot of the engine
func (e *Engine) State() RecordingState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := RecordingState{
		IsRecording: e.recording,
		Artifact:    e.artifact,
	}
	if e.recording {
		state.DurationSeconds = int(e.now().Sub(e.startedAt) / time.Second)
	}
	return state
}

// collector drains a stream into a pending buffer and moves it to the chunk
// list on every tick
type collector struct {
	stream Stream

	mu      sync.Mutex
	pending []byte
	chunks  [][]byte
	readErr error

	readDone  chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	flushDone chan struct{}
}

func newCollector(stream Stream) *collector {
	return &collector{
		stream:    stream,
		readDone:  make(chan struct{}),
		stop:      make(chan struct{}),
		flushDone: make(chan struct{}),
	}
}

func (c *collector) start(interval time.Duration) {
	go c.read()
	go c.flushLoop(interval)
}

func (c *collector) read() {
	defer close(c.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
	}
}

func (c *collector) flushLoop(interval time.Duration) {
	defer close(c.flushDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stop:
			return
		}
	}
}

func (c *collector) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		c.chunks = append(c.chunks, c.pending)
		c.pending = nil
	}
}

// finish waits for the stream to end and joins every chunk
func (c *collector) finish(ctx context.Context) ([]byte, error) {
	select {
	case <-c.readDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.halt()
	c.flush()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}

	size := 0
	for _, chunk := range c.chunks {
		size += len(chunk)
	}
	data := make([]byte, 0, size)
	for _, chunk := range c.chunks {
		data = append(data, chunk...)
	}
	return data, nil
}

func (c *collector) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.flushDone
}

func (c *collector) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}
