// Package console renders operation status and notifications on a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/throw-if-null/snapdiff/internal/interpret"
)

// StatusLine writes each status to W. Multi-line statuses are written as is.
type StatusLine struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *StatusLine) SetStatus(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.W, text)
}

// Notifier prints one line per message, prefixed and colored by severity.
type Notifier struct {
	mu      sync.Mutex
	W       io.Writer
	NoColor bool
}

func (n *Notifier) Notify(msg interpret.StatusMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	line := "[" + strings.ToUpper(string(msg.Severity)) + "] " + msg.Text
	_, _ = fmt.Fprintln(n.W, stylize(line, n.NoColor, severityColor(msg.Severity)))
}

// Ports wires a status line and a notifier into interpreter ports.
func Ports(status *StatusLine, notify *Notifier) interpret.Ports {
	return interpret.Ports{Status: status, Notify: notify}
}

func severityColor(s interpret.Severity) lipgloss.Color {
	switch s {
	case interpret.SeveritySuccess:
		return lipgloss.Color("42")
	case interpret.SeverityError:
		return lipgloss.Color("196")
	default:
		return lipgloss.Color("39")
	}
}

func stylize(text string, noColor bool, color lipgloss.Color) string {
	if noColor {
		return text
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}
