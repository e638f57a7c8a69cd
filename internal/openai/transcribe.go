package openai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

// TranscriptionOptions are optional request hints, empty means absent
type TranscriptionOptions struct {
	Language string
	Prompt   string
}

// Segment is one diarized span
type Segment struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
}

// TranscriptionResult is the normalized answer. Segments is nil unless
// diarization was requested and the service returned segments.
type TranscriptionResult struct {
	Text     string
	Language string
	Duration *float64
	Segments []Segment
}

type transcriptionResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration *float64  `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Transcribe uploads an artifact. Failures are returned as *voiceerr.Error.
func (c *Client) Transcribe(ctx context.Context, artifact *audio.Artifact, opts TranscriptionOptions, diarize bool) (*TranscriptionResult, error) {
	result, err := c.transcribe(ctx, artifact, opts, diarize)
	if err != nil {
		slog.Debug("Transcription failed", "diarize", diarize, "error", err)
		return nil, voiceerr.Classify(err, false)
	}
	return result, nil
}

func (c *Client) transcribe(ctx context.Context, artifact *audio.Artifact, opts TranscriptionOptions, diarize bool) (*TranscriptionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := [][2]string{}
	if diarize {
		fields = append(fields,
			[2]string{"model", c.diarizationModel},
			[2]string{"response_format", "diarized_json"},
			[2]string{"timestamp_granularities[]", "segment"},
			[2]string{"chunking_strategy", "auto"},
		)
	} else {
		fields = append(fields,
			[2]string{"model", c.transcriptionModel},
			[2]string{"response_format", "json"},
		)
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	if opts.Prompt != "" {
		fields = append(fields, [2]string{"prompt", opts.Prompt})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, artifact.FileName()))
	header.Set("Content-Type", artifact.ContentType())
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(artifact.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp transcriptionResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}

	result := &TranscriptionResult{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
	}
	if diarize && resp.Segments != nil {
		result.Segments = make([]Segment, len(resp.Segments))
		copy(result.Segments, resp.Segments)
	}
	slog.Debug("Transcription received", "chars", len(result.Text), "segments", len(result.Segments), "diarize", diarize)
	return result, nil
}

// TestConnection transcribes one second of silence to validate the
// credential. It never fails loudly: any problem yields false.
func (c *Client) TestConnection(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Connection test panicked", "panic", r)
			ok = false
		}
	}()

	artifact, err := audio.SilentWAV(time.Second)
	if err != nil {
		slog.Debug("Failed to build test audio", "error", err)
		return false
	}
	if _, err := c.Transcribe(ctx, artifact, TranscriptionOptions{}, false); err != nil {
		slog.Debug("Connection test failed", "error", err)
		return false
	}
	return true
}
