package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL            = "https://api.openai.com/v1"
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
	DefaultDiarizationModel   = "gpt-4o-transcribe-diarize"

	maxErrorBody = 1 << 20
)

// Config holds the connection settings of a client
type Config struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	DiarizationModel   string
	Timeout            time.Duration

	// HTTPClient overrides the transport, Timeout is ignored when set
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible transcription and chat API
type Client struct {
	apiKey             string
	baseURL            string
	transcriptionModel string
	diarizationModel   string
	http               *http.Client
}

// New creates a client, filling unset fields with defaults
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.DiarizationModel == "" {
		cfg.DiarizationModel = DefaultDiarizationModel
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:             strings.TrimSpace(cfg.APIKey),
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		transcriptionModel: cfg.TranscriptionModel,
		diarizationModel:   cfg.DiarizationModel,
		http:               hc,
	}
}

// APIError is a non-2xx answer from the service
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("openai: HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code to the error classifier
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// RawMessage is the service-provided message, without the status prefix
func (e *APIError) RawMessage() string {
	return e.Message
}

type errorEnvelope struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func decodeAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
		apiErr.Type = env.Error.Type
		apiErr.Code = strings.Trim(string(env.Error.Code), `"`)
		if apiErr.Code == "null" {
			apiErr.Code = ""
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// do sends the request and decodes a JSON answer into out
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	slog.Debug("OpenAI request completed", "path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}
