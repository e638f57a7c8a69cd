package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicemd/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the capture sources of the PulseAudio/PipeWire sound server that can be used as audio.input_device.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "🎤 Audio Sources (%s)\n", runtime.GOOS)
		fmt.Fprintf(out, "═══════════════════════════════════════\n\n")

		sources, err := audio.ListSources(cmd.Context())
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Fprintln(out, "No capture sources found.")
			return nil
		}

		fmt.Fprintf(out, "📋 CAPTURE SOURCES (%d found):\n", len(sources))
		for _, source := range sources {
			fmt.Fprintf(out, "  %s. %s [%s] %s\n", source.Index, source.Name, source.State, source.Spec)
		}

		fmt.Fprintf(out, "\n💡 Usage:\n")
		fmt.Fprintf(out, "  • voicemd config set audio.input_device <name>\n")
		fmt.Fprintf(out, "  • \"default\" follows the sound server's default source\n\n")
		return nil
	},
}
