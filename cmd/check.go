package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/service"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test the OpenAI API key",
	Long:  `Transcribe one second of silence to verify that the configured API key works.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := store.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !settings.HasAPIKey() {
			return fmt.Errorf("OpenAI API key not configured, run: voicemd config set api_key <key>")
		}

		if !service.NewClientFactory()(settings).TestConnection(cmd.Context()) {
			return fmt.Errorf("connection failed, please check your API key")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Connection successful")
		return nil
	},
}
