package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvAPIKey is read when the settings file carries no credential
const EnvAPIKey = "OPENAI_API_KEY"

// Settings is the process-wide configuration of the voice workflow
type Settings struct {
	APIKey               string `mapstructure:"api_key" yaml:"api_key" json:"api_key"`
	ChatModel            string `mapstructure:"chat_model" yaml:"chat_model" json:"chat_model" validate:"required"`
	EnablePostProcessing bool   `mapstructure:"enable_post_processing" yaml:"enable_post_processing" json:"enable_post_processing"`
	PostProcessingPrompt string `mapstructure:"post_processing_prompt" yaml:"post_processing_prompt,omitempty" json:"post_processing_prompt"`
	Language             string `mapstructure:"language" yaml:"language,omitempty" json:"language" validate:"omitempty,alpha,min=2,max=3"`
	MaxRecordingDuration int    `mapstructure:"max_recording_duration" yaml:"max_recording_duration" json:"max_recording_duration" validate:"gt=0"`
	AutoStartRecording   bool   `mapstructure:"auto_start_recording" yaml:"auto_start_recording" json:"auto_start_recording"`

	BaseURL            string        `mapstructure:"base_url" yaml:"base_url" json:"base_url" validate:"required,url"`
	TranscriptionModel string        `mapstructure:"transcription_model" yaml:"transcription_model" json:"transcription_model" validate:"required"`
	DiarizationModel   string        `mapstructure:"diarization_model" yaml:"diarization_model" json:"diarization_model" validate:"required"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout" validate:"gt=0"`
	VaultDirectory     string        `mapstructure:"vault_directory" yaml:"vault_directory" json:"vault_directory" validate:"required"`
	OutputFolder       string        `mapstructure:"output_folder" yaml:"output_folder" json:"output_folder" validate:"required"`

	Audio AudioConfig `mapstructure:"audio" yaml:"audio" json:"audio"`
}

// AudioConfig describes how the microphone is captured
type AudioConfig struct {
	FFmpegCommand string `mapstructure:"ffmpeg_command" yaml:"ffmpeg_command" json:"ffmpeg_command" validate:"required"`
	InputFormat   string `mapstructure:"input_format" yaml:"input_format" json:"input_format" validate:"oneof=pulse alsa avfoundation dshow"`
	InputDevice   string `mapstructure:"input_device" yaml:"input_device" json:"input_device" validate:"required"`
	SampleRate    int    `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate" validate:"gte=8000,lte=192000"`
	Channels      int    `mapstructure:"channels" yaml:"channels" json:"channels" validate:"oneof=1 2"`
}

// Default returns the settings used when nothing is configured
func Default() Settings {
	inputFormat, inputDevice := platformInput()
	return Settings{
		ChatModel:            "gpt-4o-mini",
		EnablePostProcessing: false,
		MaxRecordingDuration: 300,
		AutoStartRecording:   false,
		BaseURL:              "https://api.openai.com/v1",
		TranscriptionModel:   "gpt-4o-mini-transcribe",
		DiarizationModel:     "gpt-4o-transcribe-diarize",
		RequestTimeout:       2 * time.Minute,
		VaultDirectory:       "~/Notes",
		OutputFolder:         "Voice Transcriptions",
		Audio: AudioConfig{
			FFmpegCommand: "ffmpeg",
			InputFormat:   inputFormat,
			InputDevice:   inputDevice,
			SampleRate:    44100,
			Channels:      1,
		},
	}
}

func platformInput() (string, string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Keys lists every settable key in dotted form
func Keys() []string {
	return []string{
		"api_key", "chat_model", "enable_post_processing", "post_processing_prompt",
		"language", "max_recording_duration", "auto_start_recording",
		"base_url", "transcription_model", "diarization_model", "request_timeout",
		"vault_directory", "output_folder",
		"audio.ffmpeg_command", "audio.input_format", "audio.input_device",
		"audio.sample_rate", "audio.channels",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("api_key", "")
	v.SetDefault("chat_model", d.ChatModel)
	v.SetDefault("enable_post_processing", d.EnablePostProcessing)
	v.SetDefault("post_processing_prompt", "")
	v.SetDefault("language", "")
	v.SetDefault("max_recording_duration", d.MaxRecordingDuration)
	v.SetDefault("auto_start_recording", d.AutoStartRecording)
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("transcription_model", d.TranscriptionModel)
	v.SetDefault("diarization_model", d.DiarizationModel)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("vault_directory", d.VaultDirectory)
	v.SetDefault("output_folder", d.OutputFolder)
	v.SetDefault("audio.ffmpeg_command", d.Audio.FFmpegCommand)
	v.SetDefault("audio.input_format", d.Audio.InputFormat)
	v.SetDefault("audio.input_device", d.Audio.InputDevice)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
}

// Validate checks the settings against their declared constraints
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", strings.TrimPrefix(fe.Namespace(), "Settings."), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

// HasAPIKey reports whether a credential is configured
func (s Settings) HasAPIKey() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Masked returns a copy safe to print
func (s Settings) Masked() Settings {
	if s.HasAPIKey() {
		key := strings.TrimSpace(s.APIKey)
		if len(key) > 7 {
			s.APIKey = key[:3] + "..." + key[len(key)-4:]
		} else {
			s.APIKey = "***"
		}
	}
	return s
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Store persists settings in a YAML file. It is safe for concurrent use.
type Store struct {
	path string
	// mu serializes file access and keeps Set's read-modify-write atomic
	mu sync.Mutex
}

// NewStore creates a store backed by the given file. The file does not need to exist.
func NewStore(path string) *Store {
	return &Store{path: ExpandPath(path)}
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Load reads the file, applies defaults and environment, and validates the result
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Settings, error) {
	v, err := s.read()
	if err != nil {
		return Settings{}, err
	}
	fileKey := v.GetString("api_key")

	if err := v.BindEnv("api_key", EnvAPIKey); err != nil {
		return Settings{}, fmt.Errorf("error binding %s: %w", EnvAPIKey, err)
	}
	if fileKey != "" {
		// an explicit credential in the file wins over the environment
		v.Set("api_key", fileKey)
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("error unmarshaling settings: %w", err)
	}
	settings.VaultDirectory = ExpandPath(settings.VaultDirectory)
	settings.Audio.FFmpegCommand = ExpandPath(settings.Audio.FFmpegCommand)

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Save writes the settings back. A credential that only came from the
// environment is not copied into the file.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(settings)
}

func (s *Store) save(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	apiKey := settings.APIKey
	if env := os.Getenv(EnvAPIKey); env != "" && apiKey == env {
		current, err := s.read()
		if err != nil {
			return err
		}
		apiKey = current.GetString("api_key")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("api_key", apiKey)
	v.Set("chat_model", settings.ChatModel)
	v.Set("enable_post_processing", settings.EnablePostProcessing)
	v.Set("post_processing_prompt", settings.PostProcessingPrompt)
	v.Set("language", settings.Language)
	v.Set("max_recording_duration", settings.MaxRecordingDuration)
	v.Set("auto_start_recording", settings.AutoStartRecording)
	v.Set("base_url", settings.BaseURL)
	v.Set("transcription_model", settings.TranscriptionModel)
	v.Set("diarization_model", settings.DiarizationModel)
	v.Set("request_timeout", settings.RequestTimeout.String())
	v.Set("vault_directory", settings.VaultDirectory)
	v.Set("output_folder", settings.OutputFolder)
	v.Set("audio.ffmpeg_command", settings.Audio.FFmpegCommand)
	v.Set("audio.input_format", settings.Audio.InputFormat)
	v.Set("audio.input_device", settings.Audio.InputDevice)
	v.Set("audio.sample_rate", settings.Audio.SampleRate)
	v.Set("audio.channels", settings.Audio.Channels)

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("error writing config file %s: %w", s.path, err)
	}
	return nil
}

// Set updates a single key in the file after validating the resulting settings
func (s *Store) Set(key, value string) error {
	if !isKnownKey(key) {
		return fmt.Errorf("unknown setting %q (valid: %s)", key, strings.Join(Keys(), ", "))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}

	v := viper.New()
	setDefaults(v)
	if err := v.MergeConfigMap(toMap(current)); err != nil {
		return fmt.Errorf("error preparing settings: %w", err)
	}
	v.Set(key, value)

	var updated Settings
	if err := v.Unmarshal(&updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if key != "api_key" {
		updated.APIKey = current.APIKey
	}
	return s.save(updated)
}

func (s *Store) read() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("error reading config file %s: %w", s.path, err)
	}
	return v, nil
}

func toMap(s Settings) map[string]any {
	return map[string]any{
		"api_key":                s.APIKey,
		"chat_model":             s.ChatModel,
		"enable_post_processing": s.EnablePostProcessing,
		"post_processing_prompt": s.PostProcessingPrompt,
		"language":               s.Language,
		"max_recording_duration": s.MaxRecordingDuration,
		"auto_start_recording":   s.AutoStartRecording,
		"base_url":               s.BaseURL,
		"transcription_model":    s.TranscriptionModel,
		"diarization_model":      s.DiarizationModel,
		"request_timeout":        s.RequestTimeout.String(),
		"vault_directory":        s.VaultDirectory,
		"output_folder":          s.OutputFolder,
		"audio": map[string]any{
			"ffmpeg_command": s.Audio.FFmpegCommand,
			"input_format":   s.Audio.InputFormat,
			"input_device":   s.Audio.InputDevice,
			"sample_rate":    s.Audio.SampleRate,
			"channels":       s.Audio.Channels,
		},
	}
}

func isKnownKey(key string) bool {
	for _, k := range Keys() {
		if k == key {
			return true
		}
	}
	return false
}

// LoadDotEnv loads KEY=value pairs from the given files into the environment.
// Missing files are skipped; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = ExpandPath(p)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("error loading %s: %w", p, err)
		}
	}
	return nil
}

// DefaultPath returns the settings file used when none is given
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/voicemd.yaml")
}

// ExpandPath expands a leading ~/
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
