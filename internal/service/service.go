package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/config"
	"github.com/audiolibrelab/voicemd/internal/openai"
	"github.com/audiolibrelab/voicemd/internal/session"
	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

const (
	msgMissingKey   = "OpenAI API key not configured. Please set it in Voice MD settings."
	msgTranscribing = "Transcribing audio..."
	msgStructuring  = "Structuring transcription..."
	msgComplete     = "✓ Transcription complete!"
	msgEmpty        = "No speech detected: empty transcription"

	successTimeout = 3 * time.Second
	errorTimeout   = 6 * time.Second

	timestampLayout = "2006-01-02T15-04-05"
	maxSaveAttempts = 100
)

var (
	ErrMissingAPIKey   = errors.New("OpenAI API key not configured")
	ErrSessionActive   = errors.New("a recording session is already active")
	ErrNoActiveSession = errors.New("no active recording session")
)

// Service represents the voice capture workflow
type Service interface {
	// Session operations
	Open(ctx context.Context) (*session.Controller, error)
	Active() *session.Controller
	Process(ctx context.Context, artifact *audio.Artifact, modes session.Modes) Outcome

	// Information operations
	GetStatus() StatusInfo
	GetLastError() string
	LastOutcome() *Outcome

	// Configuration operations
	Settings() (config.Settings, error)
	UpdateSettings(settings config.Settings) error
	TestConnection(ctx context.Context) bool
}

// Outcome is the result of one pipeline run
type Outcome struct {
	// Text is the primary text surfaced to the editor
	Text    string `json:"text"`
	RawText string `json:"raw_text"`

	Structured     bool   `json:"structured"`
	RawPath        string `json:"raw_path,omitempty"`
	StructuredPath string `json:"structured_path,omitempty"`
	Empty          bool   `json:"empty"`

	Result *openai.TranscriptionResult `json:"-"`

	// Warning is the non-fatal post-processing failure, Err the fatal one
	Warning *voiceerr.Error `json:"-"`
	Err     error           `json:"-"`
	// SaveErr and InsertErr report output sinks that failed after a successful run
	SaveErr   error `json:"-"`
	InsertErr error `json:"-"`
}

// StatusInfo describes the active session
type StatusInfo struct {
	SessionID   string        `json:"session_id,omitempty"`
	State       session.State `json:"state"`
	Message     string        `json:"message"`
	Elapsed     string        `json:"elapsed"`
	MaxDuration string        `json:"max_duration"`
	Modes       session.Modes `json:"modes"`
	LastError   string        `json:"last_error,omitempty"`
}

// Deps are the collaborators of a VoiceService
type Deps struct {
	Store       SettingsStore
	Editor      Editor
	Notifier    Notifier
	Storage     Storage
	NewClient   ClientFactory
	NewRecorder RecorderFactory

	// OnElapsed is forwarded to every session
	OnElapsed func(elapsed, max time.Duration)
	// Clock drives session timers, nil means the system clock
	Clock session.Clock
	Now   func() time.Time
}

// VoiceService sequences recording, transcription, post-processing and output
type VoiceService struct {
	deps Deps
	now  func() time.Time

	mu          sync.Mutex
	active      *session.Controller
	settings    config.Settings
	client      Transcriber
	lastOutcome *Outcome

	lastError      string
	lastErrorMutex sync.RWMutex
}

var _ Service = (*VoiceService)(nil)

// New creates a voice service
func New(deps Deps) *VoiceService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &VoiceService{deps: deps, now: now}
}

// NewClientFactory builds OpenAI clients from settings
func NewClientFactory() ClientFactory {
	return func(s config.Settings) Transcriber {
		return openai.New(openai.Config{
			APIKey:             s.APIKey,
			BaseURL:            s.BaseURL,
			TranscriptionModel: s.TranscriptionModel,
			DiarizationModel:   s.DiarizationModel,
			Timeout:            s.RequestTimeout,
		})
	}
}

// NewFFmpegRecorderFactory builds capture engines recording through ffmpeg
func NewFFmpegRecorderFactory() RecorderFactory {
	return func(s config.Settings) session.Recorder {
		device := audio.NewFFmpegDevice(audio.FFmpegOptions{
			Command:     s.Audio.FFmpegCommand,
			InputFormat: s.Audio.InputFormat,
			InputDevice: s.Audio.InputDevice,
			Channels:    s.Audio.Channels,
		})
		return audio.NewEngine(device, s.Audio.SampleRate)
	}
}

// Open reloads the settings, checks the credential and creates a session
// whose completion runs the pipeline. With auto-start the session is
// recording when Open returns.
func (s *VoiceService) Open(ctx context.Context) (*session.Controller, error) {
	s.mu.Lock()
	if s.active != nil && s.active.State() != session.StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}

	settings, err := s.deps.Store.Load()
	if err != nil {
		s.mu.Unlock()
		slog.Error("Failed to load settings", "error", err)
		s.setLastError(fmt.Sprintf("Failed to load settings: %v", err))
		s.deps.Notifier.Notify(fmt.Sprintf("Failed to load settings: %v", err), errorTimeout)
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !settings.HasAPIKey() {
		s.mu.Unlock()
		slog.Error("OpenAI API key not configured")
		s.setLastError(msgMissingKey)
		s.deps.Notifier.Notify(msgMissingKey, errorTimeout)
		return nil, ErrMissingAPIKey
	}

	s.clearLastError()
	s.settings = settings
	s.client = s.deps.NewClient(settings)

	ctrl := session.New(s.deps.NewRecorder(settings), session.Options{
		MaxDuration:           time.Duration(settings.MaxRecordingDuration) * time.Second,
		AutoStart:             settings.AutoStartRecording,
		PostProcessingDefault: settings.EnablePostProcessing,
		SaveDefault:           s.savePostProcessingDefault,
		OnComplete: func(ctx context.Context, artifact *audio.Artifact, modes session.Modes) {
			s.Process(ctx, artifact, modes)
		},
		OnElapsed: s.deps.OnElapsed,
		Clock:     s.deps.Clock,
	})
	s.active = ctrl
	s.mu.Unlock()

	slog.Info("Session opened", "session_id", ctrl.ID(), "auto_start", settings.AutoStartRecording,
		"max_duration", settings.MaxRecordingDuration, "post_processing", settings.EnablePostProcessing)

	if err := ctrl.Open(ctx); err != nil {
		s.setLastError(ctrl.Status())
		return ctrl, err
	}
	return ctrl, nil
}

// Active returns the open session, or nil
func (s *VoiceService) Active() *session.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.State() == session.StateClosed {
		return nil
	}
	return s.active
}

func (s *VoiceService) savePostProcessingDefault(enabled bool) error {
	settings, err := s.deps.Store.Load()
	if err != nil {
		return err
	}
	settings.EnablePostProcessing = enabled
	return s.deps.Store.Save(settings)
}

// snapshot returns the settings and client of the current session, loading
// them when Process runs without Open
func (s *VoiceService) snapshot() (config.Settings, Transcriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.settings, s.client, nil
	}
	settings, err := s.deps.Store.Load()
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if !settings.HasAPIKey() {
		return config.Settings{}, nil, ErrMissingAPIKey
	}
	s.settings = settings
	s.client = s.deps.NewClient(settings)
	return s.settings, s.client, nil
}

// Process runs transcription, optional post-processing and output for one
// artifact. Stages run in order and in-flight requests are not cancelled.
func (s *VoiceService) Process(ctx context.Context, artifact *audio.Artifact, modes session.Modes) Outcome {
	ctx = context.WithoutCancel(ctx)
	outcome := s.process(ctx, artifact, modes)

	s.mu.Lock()
	s.lastOutcome = &outcome
	s.mu.Unlock()
	return outcome
}

func (s *VoiceService) process(ctx context.Context, artifact *audio.Artifact, modes session.Modes) Outcome {
	settings, client, err := s.snapshot()
	if err != nil {
		slog.Error("Cannot process recording", "error", err)
		s.setLastError(err.Error())
		if errors.Is(err, ErrMissingAPIKey) {
			s.deps.Notifier.Notify(msgMissingKey, errorTimeout)
		} else {
			s.deps.Notifier.Notify(err.Error(), errorTimeout)
		}
		return Outcome{Err: err}
	}

	notice := s.deps.Notifier.Notify(msgTranscribing, 0)
	result, err := client.Transcribe(ctx, artifact, openai.TranscriptionOptions{Language: settings.Language}, modes.Diarization)
	if err != nil {
		notice.Hide()
		slog.Error("Transcription failed", "mime_type", artifact.MIMEType, "bytes", len(artifact.Data), "error", err)
		s.setLastError(voiceerr.Describe(err))
		s.deps.Notifier.Notify(voiceerr.Describe(err), errorTimeout)
		return Outcome{Err: err}
	}

	raw := RenderTranscript(result)
	if strings.TrimSpace(raw) == "" {
		notice.Hide()
		slog.Info("Empty transcription", "diarize", modes.Diarization)
		s.deps.Notifier.Notify(msgEmpty, errorTimeout)
		return Outcome{Empty: true, Result: result}
	}

	outcome := Outcome{Text: raw, RawText: raw, Result: result}
	if !modes.PostProcessing {
		notice.Hide()
		s.surface(&outcome)
		return outcome
	}

	notice.Hide()
	notice = s.deps.Notifier.Notify(msgStructuring, 0)
	structured, err := client.StructureText(ctx, raw, settings.ChatModel, settings.PostProcessingPrompt)
	notice.Hide()
	if err != nil {
		slog.Error("Post-processing failed, keeping raw transcription", "model", settings.ChatModel, "error", err)
		outcome.Warning = classified(err)
		s.insert(&outcome)
		s.deps.Notifier.Notify(voiceerr.Describe(outcome.Warning), errorTimeout)
		return outcome
	}

	outcome.Text = structured
	outcome.Structured = true
	if err := s.save(&outcome, settings.OutputFolder); err != nil {
		slog.Error("Failed to save transcription files", "folder", settings.OutputFolder, "error", err)
		outcome.SaveErr = err
		s.deps.Notifier.Notify(fmt.Sprintf("Failed to save transcription files: %v", err), errorTimeout)
	}
	s.surface(&outcome)
	return outcome
}

// classified returns err as a classified error, classifying it in
// post-processing context when the client did not
func classified(err error) *voiceerr.Error {
	var e *voiceerr.Error
	if errors.As(err, &e) {
		return e
	}
	return voiceerr.Classify(err, true)
}

func (s *VoiceService) surface(outcome *Outcome) {
	if s.insert(outcome) {
		s.clearLastError()
		s.deps.Notifier.Notify(msgComplete, successTimeout)
	}
}

func (s *VoiceService) insert(outcome *Outcome) bool {
	if err := s.deps.Editor.InsertAtCursor(outcome.Text); err != nil {
		slog.Error("Failed to insert transcription", "error", err)
		outcome.InsertErr = err
		s.setLastError(fmt.Sprintf("Failed to insert text: %v", err))
		s.deps.Notifier.Notify(fmt.Sprintf("Failed to insert text: %v", err), errorTimeout)
		return false
	}
	return true
}

// save writes the raw file and the structured file linking back to it
func (s *VoiceService) save(outcome *Outcome, folder string) error {
	if err := s.deps.Storage.EnsureFolder(folder); err != nil {
		return err
	}

	stem := "transcription-" + s.now().Format(timestampLayout)
	for n := 1; n <= maxSaveAttempts; n++ {
		name := stem
		if n > 1 {
			name = fmt.Sprintf("%s-%d", stem, n)
		}
		rawName := name + "-raw"
		rawPath := path.Join(folder, rawName+".md")
		structuredPath := path.Join(folder, name+".md")

		if err := s.deps.Storage.CreateFile(rawPath, outcome.RawText); err != nil {
			if errors.Is(err, ErrFileExists) {
				continue
			}
			return err
		}
		outcome.RawPath = rawPath

		content := fmt.Sprintf("> Raw transcription: [[%s]]\n\n%s", rawName, outcome.Text)
		if err := s.deps.Storage.CreateFile(structuredPath, content); err != nil {
			// the raw file stays, its name is not reused
			if errors.Is(err, ErrFileExists) {
				continue
			}
			return err
		}
		outcome.StructuredPath = structuredPath

		slog.Info("Saved transcription files", "raw", rawPath, "structured", structuredPath)
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrFileExists, stem, maxSaveAttempts)
}

// RenderTranscript returns the text to surface for a result. Diarized
// segments become one bold speaker line per speaker turn.
func RenderTranscript(result *openai.TranscriptionResult) string {
	if len(result.Segments) == 0 {
		return result.Text
	}

	var turns []string
	speaker := ""
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, " ")
		if speaker != "" {
			text = fmt.Sprintf("**Speaker %s:** %s", speaker, text)
		}
		turns = append(turns, text)
		current = nil
	}

	for _, seg := range result.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.Speaker != speaker {
			flush()
			speaker = seg.Speaker
		}
		current = append(current, text)
	}
	flush()
	return strings.Join(turns, "\n\n")
}

// LastOutcome returns the outcome of the last pipeline run
func (s *VoiceService) LastOutcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

// GetStatus returns the state of the active session
func (s *VoiceService) GetStatus() StatusInfo {
	info := StatusInfo{State: session.StateClosed, Elapsed: session.FormatElapsed(0), LastError: s.GetLastError()}

	s.mu.Lock()
	ctrl := s.active
	s.mu.Unlock()
	if ctrl == nil {
		return info
	}

	info.SessionID = ctrl.ID()
	info.State = ctrl.State()
	info.Message = ctrl.Status()
	info.Elapsed = session.FormatElapsed(ctrl.Elapsed())
	info.MaxDuration = session.FormatElapsed(ctrl.MaxDuration())
	info.Modes = ctrl.Modes()
	return info
}

// Settings loads the current settings
func (s *VoiceService) Settings() (config.Settings, error) {
	return s.deps.Store.Load()
}

// UpdateSettings validates and saves settings. They apply from the next Open.
func (s *VoiceService) UpdateSettings(settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.deps.Store.Save(settings)
}

// TestConnection checks the configured credential against the service
func (s *VoiceService) TestConnection(ctx context.Context) bool {
	settings, err := s.deps.Store.Load()
	if err != nil || !settings.HasAPIKey() {
		return false
	}
	return s.deps.NewClient(settings).TestConnection(ctx)
}

// GetLastError returns the last error message
func (s *VoiceService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message
func (s *VoiceService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
	if err != "" {
		slog.Debug("Service error recorded", "error", err)
	}
}

// clearLastError clears the last error message
func (s *VoiceService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
