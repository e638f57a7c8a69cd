package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/config"
	"github.com/audiolibrelab/voicemd/internal/host"
	"github.com/audiolibrelab/voicemd/internal/service"
)

var (
	store        *config.Store
	cfgFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "voicemd",
	Short: "Voice to markdown transcription",
	Long: `Voice MD records your microphone, transcribes the recording with OpenAI
and inserts the text where you need it.

Optionally the transcription is restructured into markdown notes, saved
next to the raw transcription in your notes folder.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if err := config.LoadDotEnv(".env", "~/.config/voicemd.env"); err != nil {
			slog.Warn("Failed to load environment file", "error", err)
		}

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}
		store = config.NewStore(config.ExpandPath(cfgFile))
		slog.Debug("Using config file", "path", store.Path())
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/voicemd.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))

	if level >= 2 {
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}

// outputOptions select the host adapters of a command
type outputOptions struct {
	output string
	notify string
}

func (o *outputOptions) register(cmd *cobra.Command, defaultOutput, defaultNotify string) {
	cmd.Flags().StringVarP(&o.output, "output", "o", defaultOutput, "where to put the text: clipboard or stdout")
	cmd.Flags().StringVar(&o.notify, "notify", defaultNotify, "how to show notifications: desktop or terminal")
}

func (o *outputOptions) editor(stdout io.Writer) (service.Editor, error) {
	switch o.output {
	case "clipboard":
		if !host.ClipboardSupported() {
			return nil, fmt.Errorf("clipboard is not available on this system, use --output stdout")
		}
		return host.NewClipboardEditor(), nil
	case "stdout":
		return host.NewWriterEditor(stdout), nil
	default:
		return nil, fmt.Errorf("unknown output %q (valid: clipboard, stdout)", o.output)
	}
}

func (o *outputOptions) notifier(stderr io.Writer) (service.Notifier, error) {
	switch o.notify {
	case "desktop":
		return host.NewDesktopNotifier(), nil
	case "terminal":
		return host.NewTerminalNotifier(stderr), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q (valid: desktop, terminal)", o.notify)
	}
}

// newService wires the voice service to the host adapters
func newService(cmd *cobra.Command, o outputOptions, onElapsed func(elapsed, max time.Duration)) (*service.VoiceService, error) {
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	editor, err := o.editor(cmd.OutOrStdout())
	if err != nil {
		return nil, err
	}
	notifier, err := o.notifier(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	return service.New(service.Deps{
		Store:       store,
		Editor:      editor,
		Notifier:    notifier,
		Storage:     host.NewVaultStorage(settings.VaultDirectory),
		NewClient:   service.NewClientFactory(),
		NewRecorder: service.NewFFmpegRecorderFactory(),
		OnElapsed:   onElapsed,
	}), nil
}
