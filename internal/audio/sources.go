package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Source is a PulseAudio/PipeWire capture source
type Source struct {
	Index  string `json:"index"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Spec   string `json:"spec"`
	State  string `json:"state"`
}

// ListSources returns the capture sources known to the sound server.
// Monitor sources (loopbacks of outputs) are left out.
func ListSources(ctx context.Context) ([]Source, error) {
	cmd := exec.CommandContext(ctx, "pactl", "list", "short", "sources")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list capture sources: %w", err)
	}
	return parseSources(string(output)), nil
}

func parseSources(output string) []Source {
	var sources []Source
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			fields = strings.Fields(line)
		}
		if len(fields) < 2 || strings.HasSuffix(fields[1], ".monitor") {
			continue
		}

		src := Source{Index: fields[0], Name: fields[1]}
		if len(fields) > 2 {
			src.Driver = fields[2]
		}
		if len(fields) > 3 {
			src.Spec = fields[3]
		}
		if len(fields) > 4 {
			src.State = fields[4]
		}
		sources = append(sources, src)
	}
	return sources
}

// ValidateSource checks that a named source exists. "default" and "" always pass
// as long as at least one source exists.
func ValidateSource(name string, sources []Source) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no capture sources available", ErrNoDevice)
	}
	if name == "" || name == "default" {
		return nil
	}
	for _, src := range sources {
		if src.Name == name || src.Index == name {
			return nil
		}
	}
	slog.Debug("Configured capture source not found", "source", name, "available", len(sources))
	return fmt.Errorf("%w: source not found: %s", ErrNoDevice, name)
}
