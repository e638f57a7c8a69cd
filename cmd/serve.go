package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/server"
)

var serveOpts outputOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the Voice MD web server to control recording over HTTP, for example
from a keyboard shortcut bound to curl or from another device on the same network.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		svc, err := newService(cmd, serveOpts, nil)
		if err != nil {
			return err
		}
		srv := server.New(svc, audio.ListSources, port)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("Voice MD web server starting", "port", port, "config", store.Path())
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveOpts.register(serveCmd, "clipboard", "desktop")
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
