package host

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
)

// ClipboardEditor places the transcription on the system clipboard so it can
// be pasted at the cursor of any application
type ClipboardEditor struct {
	write func(string) error
}

// NewClipboardEditor creates an editor backed by the system clipboard
func NewClipboardEditor() *ClipboardEditor {
	return &ClipboardEditor{write: clipboard.WriteAll}
}

// ClipboardSupported reports whether a clipboard utility is available
func ClipboardSupported() bool {
	return !clipboard.Unsupported
}

// InsertAtCursor copies text to the clipboard
func (e *ClipboardEditor) InsertAtCursor(text string) error {
	if err := e.write(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	slog.Info("Transcription copied to clipboard", "chars", len(text))
	return nil
}

// WriterEditor appends the transcription to a stream, one block per insert
type WriterEditor struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterEditor creates an editor writing to w
func NewWriterEditor(w io.Writer) *WriterEditor {
	return &WriterEditor{w: w}
}

// InsertAtCursor writes text followed by a newline
func (e *WriterEditor) InsertAtCursor(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(e.w, text); err != nil {
		return fmt.Errorf("failed to write transcription: %w", err)
	}
	return nil
}
