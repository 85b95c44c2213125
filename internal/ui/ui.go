// Package ui holds the terminal styles shared by the regsync commands.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/regdesk/regsync/internal/status"
)

var (
	// Header styles the section title above listings.
	Header = lipgloss.NewStyle().Bold(true)

	// Success styles confirmations.
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	// Warn styles degraded-but-working output (offline, queued).
	Warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	// Error styles failures.
	Error = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Faint styles secondary detail.
	Faint = lipgloss.NewStyle().Faint(true)

	valid    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	expiring = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	expired  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// ColorEnabled reports whether the terminal supports color output.
func ColorEnabled() bool {
	return termenv.ColorProfile() != termenv.Ascii
}

// ExpiryBadge renders a document state as a colored badge. On terminals
// without color support the badge text is returned unstyled.
func ExpiryBadge(state status.State) string {
	if !ColorEnabled() {
		return strings.ToUpper(string(state))
	}
	switch state {
	case status.StateExpired:
		return expired.Render("EXPIRED")
	case status.StateExpiring:
		return expiring.Render("EXPIRING")
	default:
		return valid.Render("VALID")
	}
}
