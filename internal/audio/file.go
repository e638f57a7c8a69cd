package audio

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoadArtifact reads an existing recording from disk
func LoadArtifact(path string) (*Artifact, error) {
	mimeType := MIMETypeForExtension(filepath.Ext(path))
	if mimeType == "" {
		return nil, fmt.Errorf("unsupported audio file extension %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArtifact, path)
	}
	return &Artifact{Data: data, MIMEType: mimeType}, nil
}
