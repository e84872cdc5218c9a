// Package output provides formatting utilities for CLI output including
// colored terminal output, tables and JSON formatting.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Styler formats messages with optional color codes for terminal output.
type Styler struct {
	green, red, yellow, cyan *color.Color
}

// NewStyler creates a new Styler. If noColor is true, ANSI color codes are
// omitted; otherwise they are emitted even when stdout is not a terminal.
func NewStyler(noColor bool) *Styler {
	s := &Styler{
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow, color.Bold),
		cyan:   color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{s.green, s.red, s.yellow, s.cyan} {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return s
}

// Success formats a success message with a green checkmark.
func (s *Styler) Success(msg string) string {
	return s.format(s.green, "✓", msg)
}

// Error formats an error message with a red X.
func (s *Styler) Error(msg string) string {
	return s.format(s.red, "✗", msg)
}

// Info formats an informational message with a cyan info symbol.
func (s *Styler) Info(msg string) string {
	return s.format(s.cyan, "ℹ", msg)
}

// Warn formats a warning message with a yellow warning symbol.
func (s *Styler) Warn(msg string) string {
	return s.format(s.yellow, "⚠", msg)
}

// State colors a session state: green when connected, yellow while pairing
// or recovering, red when the session needs attention.
func (s *Styler) State(state string) string {
	switch state {
	case "connected":
		return s.green.Sprint(state)
	case "connecting", "qr_pending", "authenticating", "initialized", "disconnected":
		return s.yellow.Sprint(state)
	case "failed", "logged_out", "destroyed":
		return s.red.Sprint(state)
	}
	return state
}

func (s *Styler) format(c *color.Color, symbol, msg string) string {
	return fmt.Sprintf("%s %s", c.Sprint(symbol), msg)
}

func (s *Styler) Fprint(w io.Writer, msg string) {
	fmt.Fprintln(w, msg)
}

func (s *Styler) FprintSuccess(w io.Writer, msg string) {
	s.Fprint(w, s.Success(msg))
}

func (s *Styler) FprintError(w io.Writer, msg string) {
	s.Fprint(w, s.Error(msg))
}

func (s *Styler) FprintInfo(w io.Writer, msg string) {
	s.Fprint(w, s.Info(msg))
}

func (s *Styler) FprintWarn(w io.Writer, msg string) {
	s.Fprint(w, s.Warn(msg))
}

// Print to stdout
func (s *Styler) PrintSuccess(msg string) {
	s.FprintSuccess(os.Stdout, msg)
}

func (s *Styler) PrintError(msg string) {
	s.FprintError(os.Stderr, msg)
}

func (s *Styler) PrintInfo(msg string) {
	s.FprintInfo(os.Stdout, msg)
}

func (s *Styler) PrintWarn(msg string) {
	s.FprintWarn(os.Stdout, msg)
}
