package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func scriptDevice(command string) *FFmpegDevice {
	d := NewFFmpegDevice(FFmpegOptions{Command: command})
	d.listSources = nil
	return d
}

func TestFFmpegDevice_OpenReadFinalize(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\ntrap 'printf trailer; exit 0' INT\nprintf 'hello'\nsleep 5 >/dev/null 2>&1 &\nwait\n")
	device := scriptDevice(script)

	stream, err := device.Open(context.Background(), Constraints{MIMEType: "audio/ogg;codecs=opus"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	if stream.MIMEType() != "audio/ogg;codecs=opus" {
		t.Errorf("Unexpected MIME type %s", stream.MIMEType())
	}

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(stream)
		done <- data
	}()

	if err := stream.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	select {
	case data := <-done:
		if !strings.HasPrefix(string(data), "hello") {
			t.Errorf("Unexpected output %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not reach EOF after finalize")
	}

	// repeated close after finalize is fine
	if err := stream.Close(); err != nil {
		t.Errorf("Close after finalize failed: %v", err)
	}
}

func TestFFmpegDevice_UnknownMIMETypeFallsBackToWAV(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nsleep 5 >/dev/null 2>&1 &\nwait\n")
	device := scriptDevice(script)

	stream, err := device.Open(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	if stream.MIMEType() != "audio/wav" {
		t.Errorf("Expected audio/wav, got %s", stream.MIMEType())
	}
}

func TestFFmpegDevice_EarlyExit(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"permission", "Permission denied", ErrPermissionDenied},
		{"no device", "default: No such device", ErrNoDevice},
		{"generic", "boom", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho '"+tt.stderr+"' 1>&2\nexit 1\n")
			device := scriptDevice(script)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := device.Open(ctx, Constraints{MIMEType: "audio/wav"})
			if err == nil {
				t.Fatal("Expected early exit error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if tt.want == nil && !strings.Contains(err.Error(), "exited before capture started") {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestFFmpegDevice_NoSourcesSkipsFFmpeg(t *testing.T) {
	device := NewFFmpegDevice(FFmpegOptions{Command: "/nonexistent/ffmpeg"})
	device.listSources = func(ctx context.Context) ([]Source, error) {
		return nil, nil
	}

	_, err := device.Open(context.Background(), Constraints{})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Expected ErrNoDevice, got %v", err)
	}
}

func TestFFmpegDevice_BuildArgs(t *testing.T) {
	device := NewFFmpegDevice(FFmpegOptions{InputFormat: "alsa", InputDevice: "hw:1", Channels: 2})

	args := strings.Join(device.buildArgs(Constraints{
		NoiseSuppression: true,
		SampleRate:       44100,
	}, ffmpegFormats["audio/mp4"]), " ")

	for _, want := range []string{
		"-f alsa -i hw:1",
		"-ac 2",
		"-ar 44100",
		"-af afftdn",
		"-c:a aac -movflags frag_keyframe+empty_moov",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected %q in args: %s", want, args)
		}
	}
	if !strings.HasSuffix(args, "-f mp4 -") {
		t.Errorf("Expected mp4 on stdout, got: %s", args)
	}

	args = strings.Join(device.buildArgs(Constraints{}, ffmpegFormats["audio/wav"]), " ")
	if strings.Contains(args, "afftdn") || strings.Contains(args, "-ar") {
		t.Errorf("Unexpected filter or rate without constraints: %s", args)
	}
}

const muxersOutput = `File formats:
 D. = Demuxing supported
 .E = Muxing supported
 --
  E mp4             MP4 (MPEG-4 Part 14)
  E ogg             Ogg
  E wav             WAV / WAVE (Waveform Audio)
 DE webm            WebM
`

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264
 A....D aac                  AAC (Advanced Audio Coding)
 A....D pcm_s16le            PCM signed 16-bit little-endian
`

func TestFFmpegDevice_Supports(t *testing.T) {
	device := NewFFmpegDevice(FFmpegOptions{})
	calls := 0
	device.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		if args[len(args)-1] == "-muxers" {
			return []byte(muxersOutput), nil
		}
		return []byte(encodersOutput), nil
	}

	// no libopus encoder in this build
	if device.Supports("audio/webm;codecs=opus") {
		t.Error("Expected opus to be unsupported")
	}
	if !device.Supports("audio/mp4") {
		t.Error("Expected mp4/aac to be supported")
	}
	if !device.Supports("audio/wav") {
		t.Error("Expected wav to be supported")
	}
	if device.Supports("audio/flac") {
		t.Error("Expected unknown type to be unsupported")
	}
	if calls != 2 {
		t.Errorf("Expected ffmpeg to be probed once, got %d calls", calls)
	}

	if got := NegotiateMIMEType(device); got != "audio/mp4" {
		t.Errorf("Expected audio/mp4 to be negotiated, got %q", got)
	}
}

func TestFFmpegDevice_ProbeFailure(t *testing.T) {
	device := NewFFmpegDevice(FFmpegOptions{})
	device.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("ffmpeg not installed")
	}

	if got := NegotiateMIMEType(device); got != "" {
		t.Errorf("Expected platform default when probing fails, got %q", got)
	}
}

func TestParseMuxers(t *testing.T) {
	muxers := parseMuxers(muxersOutput)
	for _, name := range []string{"mp4", "ogg", "wav", "webm"} {
		if !muxers[name] {
			t.Errorf("Expected muxer %s", name)
		}
	}
	if muxers["File"] || muxers["formats:"] {
		t.Error("Header lines must not be parsed as muxers")
	}
}

func TestParseEncoders(t *testing.T) {
	encoders := parseEncoders(encodersOutput)
	if !encoders["aac"] || !encoders["pcm_s16le"] {
		t.Errorf("Expected audio encoders, got %v", encoders)
	}
	if encoders["libx264"] {
		t.Error("Video encoders must be ignored")
	}
}

func TestNormalizeExit(t *testing.T) {
	if normalizeExit(nil) != nil {
		t.Error("Expected nil for nil")
	}
	other := errors.New("wait failed")
	if normalizeExit(other) != other {
		t.Error("Expected non-exit errors to pass through")
	}
}
