// Package ui styles terminal output for the crsync CLI.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func init() {
	lipgloss.SetColorProfile(Profile(os.Stdout.Fd(), os.Getenv("NO_COLOR") != ""))
}

// Profile picks the color profile for a file descriptor: plain ASCII when
// it is not a terminal or color is disabled.
func Profile(fd uintptr, noColor bool) termenv.Profile {
	if noColor || !term.IsTerminal(int(fd)) {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderFail renders s as a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderWarn renders s as a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderAccent renders s as a heading accent.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders s as secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// KeyValues renders aligned "key: value" lines in the given order.
func KeyValues(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p[0]))
	}

	var b strings.Builder
	for _, p := range pairs {
		pad := strings.Repeat(" ", width-lipgloss.Width(p[0]))
		fmt.Fprintf(&b, "  %s:%s %s\n", keyStyle.Render(p[0]), pad, p[1])
	}
	return b.String()
}

// Fatal prints an error and exits with status 1.
func Fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}
