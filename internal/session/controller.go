package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

// State is the user-facing lifecycle of a recording session
type State string

const (
	StateReady      State = "READY"
	StateRecording  State = "RECORDING"
	StateProcessing State = "PROCESSING"
	StateClosed     State = "CLOSED"
	StateError      State = "ERROR"
)

const (
	statusReady        = "Ready to record"
	statusRecording    = "Recording..."
	statusProcessing   = "Processing..."
	statusDenied       = "❌ Microphone access denied"
	statusNoMicrophone = "❌ No microphone found"
	statusStartFailed  = "❌ Failed to start recording"
	statusStopFailed   = "❌ Failed to stop recording"
)

var (
	ErrNotRecording = errors.New("session is not recording")
	ErrInvalidState = errors.New("invalid session state")
)

// Modes are the per-session choices handed to the completion callback
type Modes struct {
	Diarization    bool `json:"diarization"`
	PostProcessing bool `json:"post_processing"`
}

// Recorder is the capture engine driven by the controller
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*audio.Artifact, error)
	Cleanup()
}

// CompletionFunc receives the finished artifact. It runs at most once per session.
type CompletionFunc func(ctx context.Context, artifact *audio.Artifact, modes Modes)

// Options configure a controller
type Options struct {
	MaxDuration           time.Duration
	AutoStart             bool
	PostProcessingDefault bool

	// SaveDefault persists the post-processing toggle as the new default
	SaveDefault func(postProcessing bool) error
	OnComplete  CompletionFunc
	// OnElapsed is called on every tick while recording
	OnElapsed func(elapsed, max time.Duration)
	Clock     Clock
}

// Controller drives a recorder through Ready, Recording, Processing and Closed
type Controller struct {
	id       string
	recorder Recorder
	opts     Options
	clock    Clock

	mu        sync.Mutex
	state     State
	status    string
	modes     Modes
	startedAt time.Time
	elapsed   time.Duration
	ticker    Ticker
	tickStop  chan struct{}
	closing   bool
	starting  bool

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a controller in the Ready state
func New(recorder Recorder, opts Options) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{
		id:       uuid.NewString(),
		recorder: recorder,
		opts:     opts,
		clock:    clock,
		state:    StateReady,
		status:   statusReady,
		modes:    Modes{PostProcessing: opts.PostProcessingDefault},
		done:     make(chan struct{}),
	}
}

// ID identifies the session in logs and the status API
func (c *Controller) ID() string {
	return c.id
}

// Open starts recording right away when auto-start is configured
func (c *Controller) Open(ctx context.Context) error {
	if !c.opts.AutoStart {
		return nil
	}
	return c.Start(ctx)
}

// Start acquires the microphone and starts the duration timer. The lock is
// not held while the device is acquired; a concurrent Close wins and the
// acquired device is released.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || (c.state != StateReady && c.state != StateError) {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state)
	}
	c.starting = true
	c.mu.Unlock()

	err := c.recorder.Start(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false

	if c.state == StateClosed {
		c.recorder.Cleanup()
		return fmt.Errorf("%w: session closed while starting", ErrInvalidState)
	}
	if err != nil {
		c.recorder.Cleanup()
		c.state = StateError
		c.status = startFailureStatus(err)
		slog.Error("Failed to start recording", "session_id", c.id, "error", err)
		return err
	}

	c.state = StateRecording
	c.status = statusRecording
	c.startedAt = c.clock.Now()
	c.elapsed = 0

	c.ticker = c.clock.NewTicker(time.Second)
	c.tickStop = make(chan struct{})
	go c.runTicker(c.ticker, c.tickStop)

	slog.Info("Recording started", "session_id", c.id, "max_duration", c.opts.MaxDuration)
	return nil
}

func startFailureStatus(err error) string {
	switch {
	case voiceerr.Is(err, voiceerr.KindPermissionDenied):
		return statusDenied
	case voiceerr.Is(err, voiceerr.KindNoMicrophone):
		return statusNoMicrophone
	default:
		return statusStartFailed
	}
}

func (c *Controller) runTicker(ticker Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if c.tick() {
				slog.Info("Maximum recording duration reached", "session_id", c.id)
				if err := c.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
					slog.Error("Auto-stop failed", "session_id", c.id, "error", err)
				}
				return
			}
		}
	}
}

// tick records the elapsed time and reports whether the limit is reached
func (c *Controller) tick() bool {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return false
	}
	elapsed := c.clock.Now().Sub(c.startedAt).Truncate(time.Second)
	c.elapsed = elapsed
	max := c.opts.MaxDuration
	listener := c.opts.OnElapsed
	c.mu.Unlock()

	if listener != nil {
		listener(elapsed, max)
	}
	return max > 0 && elapsed >= max
}

// Stop finalizes the recording and hands the artifact to the completion callback
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.state = StateProcessing
	c.status = statusProcessing
	c.stopTickerLocked()
	modes := c.modes
	c.mu.Unlock()

	artifact, err := c.recorder.Stop(ctx)
	if err != nil {
		c.recorder.Cleanup()
		c.mu.Lock()
		c.state = StateError
		c.status = statusStopFailed
		c.mu.Unlock()
		slog.Error("Failed to stop recording", "session_id", c.id, "error", err)
		c.finish()
		return err
	}

	slog.Info("Recording stopped", "session_id", c.id, "bytes", len(artifact.Data),
		"diarization", modes.Diarization, "post_processing", modes.PostProcessing)
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(ctx, artifact, modes)
	}
	c.recorder.Cleanup()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.finish()
	return nil
}

// Done is closed when the session ends, either by Close or once a manual or
// automatic stop has returned from the completion callback or failed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Close ends the session. Before an artifact exists the capture is discarded
// and the completion callback never runs; during Processing the in-flight
// stop is left to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateProcessing:
		c.closing = true
		c.mu.Unlock()
		return
	}
	wasRecording := c.state == StateRecording
	starting := c.starting
	c.stopTickerLocked()
	c.state = StateClosed
	c.mu.Unlock()
	c.finish()

	// a pending Start releases the device itself
	if !starting {
		c.recorder.Cleanup()
	}
	if wasRecording {
		slog.Info("Recording cancelled", "session_id", c.id)
	}
}

func (c *Controller) stopTickerLocked() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

// SetDiarization records the per-session speaker identification choice
func (c *Controller) SetDiarization(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes.Diarization = enabled
}

// SetPostProcessing records the per-session choice and persists it as the
// new default: the last choice wins.
func (c *Controller) SetPostProcessing(enabled bool) error {
	c.mu.Lock()
	c.modes.PostProcessing = enabled
	save := c.opts.SaveDefault
	c.mu.Unlock()

	if save == nil {
		return nil
	}
	if err := save(enabled); err != nil {
		slog.Error("Failed to persist post-processing default", "session_id", c.id, "error", err)
		return fmt.Errorf("failed to save post-processing default: %w", err)
	}
	return nil
}

// Modes returns the current per-session choices
func (c *Controller) Modes() Modes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modes
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the status line shown to the user
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Elapsed returns the time recorded as of the last tick
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// MaxDuration returns the configured auto-stop limit
func (c *Controller) MaxDuration() time.Duration {
	return c.opts.MaxDuration
}

// Closing reports whether Close was requested while processing
func (c *Controller) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}
