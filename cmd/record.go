package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/service"
	"github.com/audiolibrelab/voicemd/internal/session"
)

var recordOpts outputOptions

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the microphone and transcribe it",
	Long: `Record from the microphone until Enter is pressed or the maximum duration
is reached, then transcribe the recording. Press Ctrl+C to discard it.

--post-process restructures the transcription into markdown and saves the raw
and structured text to the notes folder. The choice becomes the new default.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stderr := cmd.ErrOrStderr()
		svc, err := newService(cmd, recordOpts, func(elapsed, max time.Duration) {
			fmt.Fprintf(stderr, "\r⏺ %s / %s", session.FormatElapsed(elapsed), session.FormatElapsed(max))
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl, err := svc.Open(ctx)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		if cmd.Flags().Changed("diarize") {
			diarize, _ := cmd.Flags().GetBool("diarize")
			ctrl.SetDiarization(diarize)
		}
		if cmd.Flags().Changed("post-process") || cmd.Flags().Changed("no-post-process") {
			postProcess, _ := cmd.Flags().GetBool("post-process")
			if noPostProcess, _ := cmd.Flags().GetBool("no-post-process"); noPostProcess {
				postProcess = false
			}
			if err := ctrl.SetPostProcessing(postProcess); err != nil {
				slog.Warn("Post-processing choice not saved", "error", err)
			}
		}

		if ctrl.State() != session.StateRecording {
			if err := ctrl.Start(ctx); err != nil {
				return fmt.Errorf("%s: %w", ctrl.Status(), err)
			}
		}
		modes := ctrl.Modes()
		slog.Info("Recording - press Enter to stop, Ctrl+C to cancel",
			"session_id", ctrl.ID(), "diarization", modes.Diarization, "post_processing", modes.PostProcessing)

		return waitForSession(ctx, svc, ctrl, readLine(os.Stdin))
	},
}

// readLine closes the returned channel once a line has been read from r
func readLine(r io.Reader) <-chan struct{} {
	enter := make(chan struct{})
	go func() {
		bufio.NewReader(r).ReadString('\n')
		close(enter)
	}()
	return enter
}

// waitForSession blocks until the session is over. Enter stops it and ctx
// cancels it; either way a pipeline already running, such as one started
// by auto-stop, is waited for.
func waitForSession(ctx context.Context, svc *service.VoiceService, ctrl *session.Controller, enter <-chan struct{}) error {
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		if ctrl.State() == session.StateProcessing {
			slog.Info("Waiting for the transcription to finish")
		} else {
			slog.Info("Recording cancelled")
		}
		ctrl.Close()
	case <-enter:
		fmt.Fprintln(os.Stderr)
		if err := ctrl.Stop(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, session.ErrNotRecording) {
			return fmt.Errorf("%s: %w", ctrl.Status(), err)
		}
	case <-ctrl.Done():
		fmt.Fprintln(os.Stderr)
	}

	<-ctrl.Done()
	return outcomeError(svc, ctrl)
}

func outcomeError(svc *service.VoiceService, ctrl *session.Controller) error {
	if ctrl.State() == session.StateError {
		return fmt.Errorf("%s", ctrl.Status())
	}
	outcome := svc.LastOutcome()
	if outcome == nil {
		return nil
	}
	if outcome.Err != nil {
		return outcome.Err
	}
	if outcome.StructuredPath != "" {
		slog.Info("Saved transcription", "raw", outcome.RawPath, "structured", outcome.StructuredPath)
	}
	return nil
}

func init() {
	recordOpts.register(recordCmd, "clipboard", "desktop")
	recordCmd.Flags().Bool("diarize", false, "identify speakers in the transcription")
	recordCmd.Flags().Bool("post-process", false, "restructure the transcription into markdown (saved as default)")
	recordCmd.Flags().Bool("no-post-process", false, "insert the raw transcription only (saved as default)")
	recordCmd.MarkFlagsMutuallyExclusive("post-process", "no-post-process")
}
