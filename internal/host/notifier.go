package host

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/audiolibrelab/voicemd/internal/service"
)

// AppName titles desktop notifications
const AppName = "Voice MD"

type notice struct{}

func (notice) Hide() {}

// DesktopNotifier shows messages as desktop notifications. The platform
// decides how long they stay visible.
type DesktopNotifier struct {
	notify func(title, message, icon string) error
}

// NewDesktopNotifier creates a notifier using the desktop notification service
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{notify: beeep.Notify}
}

// Notify shows message. Failures are logged.
func (n *DesktopNotifier) Notify(message string, timeout time.Duration) service.Notice {
	slog.Info("Notification", "message", message, "timeout", timeout)
	if err := n.notify(AppName, message, ""); err != nil {
		slog.Warn("Failed to show desktop notification", "error", err)
	}
	return notice{}
}

// TerminalNotifier prints messages to a terminal, one per line
type TerminalNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminalNotifier creates a notifier writing to w
func NewTerminalNotifier(w io.Writer) *TerminalNotifier {
	return &TerminalNotifier{w: w}
}

// Notify prints message
func (n *TerminalNotifier) Notify(message string, timeout time.Duration) service.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, message)
	return notice{}
}
