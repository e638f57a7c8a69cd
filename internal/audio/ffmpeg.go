package audio

import (
	"bytes"
	"context"
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

const (
	startupWindow = 250 * time.Millisecond
	stopGrace     = 1200 * time.Millisecond
	probeTimeout  = 5 * time.Second
)

// ffmpegFormat is the muxer/encoder pair used to produce a MIME type on stdout
type ffmpegFormat struct {
	muxer   string
	encoder string
	extra   []string
}

var ffmpegFormats = map[string]ffmpegFormat{
	"audio/webm;codecs=opus":     {muxer: "webm", encoder: "libopus"},
	"audio/webm":                 {muxer: "webm", encoder: "libopus"},
	"audio/mp4":                  {muxer: "mp4", encoder: "aac", extra: []string{"-movflags", "frag_keyframe+empty_moov"}},
	"audio/mp4;codecs=mp4a.40.2": {muxer: "mp4", encoder: "aac", extra: []string{"-movflags", "frag_keyframe+empty_moov"}},
	"audio/ogg;codecs=opus":      {muxer: "ogg", encoder: "libopus"},
	"audio/wav":                  {muxer: "wav", encoder: "pcm_s16le"},
}

// FFmpegOptions configures the capture subprocess
type FFmpegOptions struct {
	Command     string
	InputFormat string
	InputDevice string
	Channels    int
}

// FFmpegDevice records the microphone through an ffmpeg subprocess writing an
// encoded container to stdout
type FFmpegDevice struct {
	opts FFmpegOptions

	// replaced in tests
	run         func(ctx context.Context, name string, args ...string) ([]byte, error)
	listSources func(ctx context.Context) ([]Source, error)

	probeOnce sync.Once
	muxers    map[string]bool
	encoders  map[string]bool
}

// NewFFmpegDevice creates a device for the given options
func NewFFmpegDevice(opts FFmpegOptions) *FFmpegDevice {
	if opts.Command == "" {
		opts.Command = "ffmpeg"
	}
	if opts.InputFormat == "" {
		opts.InputFormat = "pulse"
	}
	if opts.InputDevice == "" {
		opts.InputDevice = "default"
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	return &FFmpegDevice{
		opts:        opts,
		run:         runOutput,
		listSources: ListSources,
	}
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Supports reports whether the local ffmpeg build has both the muxer and the
// encoder needed for mimeType
func (d *FFmpegDevice) Supports(mimeType string) bool {
	format, ok := ffmpegFormats[mimeType]
	if !ok {
		return false
	}
	d.probeOnce.Do(d.probe)
	return d.muxers[format.muxer] && d.encoders[format.encoder]
}

func (d *FFmpegDevice) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	d.muxers = map[string]bool{}
	d.encoders = map[string]bool{}

	if out, err := d.run(ctx, d.opts.Command, "-hide_banner", "-muxers"); err != nil {
		slog.Debug("Failed to probe ffmpeg muxers", "command", d.opts.Command, "error", err)
	} else {
		d.muxers = parseMuxers(string(out))
	}
	if out, err := d.run(ctx, d.opts.Command, "-hide_banner", "-encoders"); err != nil {
		slog.Debug("Failed to probe ffmpeg encoders", "command", d.opts.Command, "error", err)
	} else {
		d.encoders = parseEncoders(string(out))
	}
	slog.Debug("Probed ffmpeg formats", "muxers", len(d.muxers), "encoders", len(d.encoders))
}

// parseMuxers reads `ffmpeg -muxers` output (" E webm   WebM")
func parseMuxers(output string) map[string]bool {
	muxers := map[string]bool{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "E") || strings.Trim(fields[0], "DE.d") != "" {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			muxers[name] = true
		}
	}
	return muxers
}

// parseEncoders reads `ffmpeg -encoders` output (" A....D libopus   libopus Opus")
func parseEncoders(output string) map[string]bool {
	encoders := map[string]bool{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'A' {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// Open starts ffmpeg and waits a short window to catch immediate failures
func (d *FFmpegDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if d.opts.InputFormat == "pulse" && d.listSources != nil {
		sources, err := d.listSources(ctx)
		if err != nil {
			slog.Debug("Could not list capture sources, trying ffmpeg anyway", "error", err)
		} else if err := ValidateSource(d.opts.InputDevice, sources); err != nil {
			return nil, err
		}
	}

	mimeType := c.MIMEType
	format, ok := ffmpegFormats[mimeType]
	if !ok {
		mimeType = "audio/wav"
		format = ffmpegFormats[mimeType]
	}

	args := d.buildArgs(c, format)
	cmd := exec.Command(d.opts.Command, args...)
	cmd.Env = os.Environ()
	if c.EchoCancellation && d.opts.InputFormat == "pulse" {
		cmd.Env = append(cmd.Env, "PULSE_PROP=filter.want=echo-cancel")
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	reader, writer := io.Pipe()
	cmd.Stdout = writer

	slog.Debug("Starting ffmpeg capture", "command", d.opts.Command+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		writer.Close()
		waitErr <- err
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		reader.Close()
		return nil, startFailure(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		reader.Close()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(startupWindow):
	}

	return &ffmpegStream{
		mimeType: mimeType,
		reader:   reader,
		process:  cmd.Process,
		stderr:   &stderr,
		waitErr:  waitErr,
		grace:    stopGrace,
	}, nil
}

func (d *FFmpegDevice) buildArgs(c Constraints, format ffmpegFormat) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.opts.InputFormat,
		"-i", d.opts.InputDevice,
		"-ac", strconv.Itoa(d.opts.Channels),
	}
	if c.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(c.SampleRate))
	}
	if c.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	args = append(args, "-c:a", format.encoder)
	args = append(args, format.extra...)
	return append(args, "-f", format.muxer, "-")
}

// startFailure maps an ffmpeg exit during startup onto the device sentinels
func startFailure(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, "permission denied", "operation not permitted", "not authorized", "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case containsAny(lower, "no such device", "no such entity", "no such file or directory",
		"cannot open audio device", "could not find", "no capture device", "not found"):
		return fmt.Errorf("%w: %s", ErrNoDevice, msg)
	case err != nil:
		return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg)
	default:
		return errors.New("ffmpeg exited before capture started")
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

type ffmpegStream struct {
	mimeType string
	reader   *io.PipeReader
	process  *os.Process
	stderr   *bytes.Buffer
	waitErr  <-chan error
	grace    time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *ffmpegStream) MIMEType() string {
	return s.mimeType
}

// Finalize interrupts ffmpeg so it writes the container trailer. Remaining
// output stays readable until EOF.
func (s *ffmpegStream) Finalize() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeExit(err)
			}
		case <-time.After(s.grace):
			slog.Warn("ffmpeg did not exit within grace period, killing")
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeExit(err)
			}
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// Close drops unread output and makes sure the process is gone
func (s *ffmpegStream) Close() error {
	s.reader.Close()
	return s.Finalize()
}

// normalizeExit treats a non-zero exit after an interrupt as a normal stop
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
