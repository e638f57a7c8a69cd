package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/session"
)

var transcribeOpts outputOptions

var transcribeCmd = &cobra.Command{
	Use:   "transcribe [audio-file]",
	Short: "Transcribe an existing recording",
	Long: `Run the transcription pipeline on an audio file (webm, m4a, ogg, wav, mp3)
instead of the microphone. Post-processing defaults to the configured setting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		artifact, err := audio.LoadArtifact(args[0])
		if err != nil {
			return err
		}
		settings, err := store.Load()
		if err != nil {
			return err
		}
		svc, err := newService(cmd, transcribeOpts, nil)
		if err != nil {
			return err
		}

		modes := session.Modes{PostProcessing: settings.EnablePostProcessing}
		modes.Diarization, _ = cmd.Flags().GetBool("diarize")
		if cmd.Flags().Changed("post-process") {
			modes.PostProcessing, _ = cmd.Flags().GetBool("post-process")
		}

		slog.Info("Transcribing file", "path", args[0], "mime_type", artifact.MIMEType, "bytes", len(artifact.Data))
		outcome := svc.Process(context.Background(), artifact, modes)
		if outcome.Err != nil {
			return outcome.Err
		}
		if outcome.StructuredPath != "" {
			slog.Info("Saved transcription", "raw", outcome.RawPath, "structured", outcome.StructuredPath)
		}
		return nil
	},
}

func init() {
	transcribeOpts.register(transcribeCmd, "stdout", "terminal")
	transcribeCmd.Flags().Bool("diarize", false, "identify speakers in the transcription")
	transcribeCmd.Flags().Bool("post-process", false, "restructure the transcription into markdown")
}
