package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/audio"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved settings, capture format and output paths",
	Long:  `Display the resolved settings, the recording format negotiated with ffmpeg and where transcription files are saved.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := store.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "=== SETTINGS ===\n")
		fmt.Fprintf(out, "config_file: %s\n", store.Path())
		fmt.Fprintf(out, "api_key: %s\n", keyStatus(settings.Masked().APIKey))
		fmt.Fprintf(out, "transcription_model: %s\n", settings.TranscriptionModel)
		fmt.Fprintf(out, "diarization_model: %s\n", settings.DiarizationModel)
		fmt.Fprintf(out, "chat_model: %s\n", settings.ChatModel)
		fmt.Fprintf(out, "post_processing: %t\n", settings.EnablePostProcessing)
		fmt.Fprintf(out, "max_recording_duration: %ds\n", settings.MaxRecordingDuration)
		fmt.Fprintf(out, "auto_start_recording: %t\n", settings.AutoStartRecording)

		fmt.Fprintf(out, "\n=== CAPTURE ===\n")
		device := audio.NewFFmpegDevice(audio.FFmpegOptions{
			Command:     settings.Audio.FFmpegCommand,
			InputFormat: settings.Audio.InputFormat,
			InputDevice: settings.Audio.InputDevice,
			Channels:    settings.Audio.Channels,
		})
		fmt.Fprintf(out, "input: %s %s\n", settings.Audio.InputFormat, settings.Audio.InputDevice)
		fmt.Fprintf(out, "sample_rate: %d\n", settings.Audio.SampleRate)
		for _, mimeType := range audio.PreferredMIMETypes {
			fmt.Fprintf(out, "  %-28s %s\n", mimeType, supportMark(device.Supports(mimeType)))
		}
		negotiated := audio.NegotiateMIMEType(device)
		if negotiated == "" {
			negotiated = "(ffmpeg unavailable)"
		}
		fmt.Fprintf(out, "negotiated: %s\n", negotiated)

		fmt.Fprintf(out, "\n=== OUTPUT ===\n")
		fmt.Fprintf(out, "vault_directory: %s\n", settings.VaultDirectory)
		fmt.Fprintf(out, "output_folder: %s\n", filepath.Join(settings.VaultDirectory, settings.OutputFolder))
		return nil
	},
}

func keyStatus(masked string) string {
	if masked == "" {
		return "(not configured)"
	}
	return masked
}

func supportMark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
