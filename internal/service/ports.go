package service

import (
	"context"
	"errors"
	"time"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/config"
	"github.com/audiolibrelab/voicemd/internal/openai"
	"github.com/audiolibrelab/voicemd/internal/session"
)

// Editor receives the primary text of a finished pipeline
type Editor interface {
	InsertAtCursor(text string) error
}

// Notice is a displayed notification
type Notice interface {
	Hide()
}

// Notifier shows status and error messages. A zero timeout keeps the notice
// until it is hidden.
type Notifier interface {
	Notify(message string, timeout time.Duration) Notice
}

// ErrFileExists is returned by Storage.CreateFile when the path is taken
var ErrFileExists = errors.New("file already exists")

// Storage persists the linked raw and structured transcription files.
// Paths are relative to the storage root. CreateFile never overwrites and
// wraps ErrFileExists when the path is taken.
type Storage interface {
	EnsureFolder(path string) error
	CreateFile(path, content string) error
}

// SettingsStore loads and saves the process-wide settings
type SettingsStore interface {
	Load() (config.Settings, error)
	Save(settings config.Settings) error
}

// Transcriber is the remote speech and chat service
type Transcriber interface {
	Transcribe(ctx context.Context, artifact *audio.Artifact, opts openai.TranscriptionOptions, diarize bool) (*openai.TranscriptionResult, error)
	StructureText(ctx context.Context, raw, model, promptOverride string) (string, error)
	TestConnection(ctx context.Context) bool
}

// ClientFactory builds a transcriber for the settings loaded at session open
type ClientFactory func(settings config.Settings) Transcriber

// RecorderFactory builds the capture engine for a new session
type RecorderFactory func(settings config.Settings) session.Recorder
