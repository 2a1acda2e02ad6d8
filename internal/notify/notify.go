// Package notify turns errors into the one-line messages shown to users.
package notify

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"plansync/internal/cascade"
	"plansync/internal/indexed"
	"plansync/internal/kv"
	"plansync/internal/link"
	"plansync/internal/session"

	"github.com/charmbracelet/lipgloss"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
)

var known = []struct {
	err error
	msg string
}{
	{cascade.ErrProtectedList, "Default lists cannot be deleted or renamed."},
	{cascade.ErrListExists, "A list with that name already exists."},
	{cascade.ErrEmptyName, "List name cannot be empty."},
	{link.ErrNoDate, "Give the task a date before adding it to the calendar."},
	{link.ErrExternalEvent, "Events from external calendars cannot be linked."},
	{session.ErrInvalidCredentials, "Invalid email or password."},
	{session.ErrUserExists, "An account with that email already exists."},
	{session.ErrNotSignedIn, "Not signed in. Run `plansync user login` first."},
	{kv.ErrUnavailable, "Storage is unavailable; changes will not be saved."},
}

// Message reduces err to a single short sentence. Wrapped causes and joined
// errors never leak past the first line.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range known {
		if errors.Is(err, k.err) {
			return k.msg
		}
	}
	var nf indexed.NotFoundError
	if errors.As(err, &nf) {
		return fmt.Sprintf("No %s with id %d.", strings.TrimSuffix(string(nf.Collection), "s"), nf.ID)
	}
	if errors.Is(err, indexed.ErrNotFound) {
		return "Not found: " + firstLine(err.Error())
	}
	return firstLine(err.Error())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Write renders msg for w. Colors are dropped when w is not a terminal.
func Write(w io.Writer, level Level, msg string) error {
	r := lipgloss.NewRenderer(w)
	label := r.NewStyle().Bold(true)
	switch level {
	case LevelError:
		label = label.Foreground(lipgloss.Color("#d16d7a"))
	case LevelWarn:
		label = label.Foreground(lipgloss.Color("#f39c12"))
	default:
		label = label.Foreground(lipgloss.Color("#5f9fb0"))
	}
	_, err := fmt.Fprintln(w, label.Render(prefix(level))+" "+msg)
	return err
}

// Error writes the one-line message for err.
func Error(w io.Writer, err error) error {
	return Write(w, LevelError, Message(err))
}

func prefix(level Level) string {
	switch level {
	case LevelError:
		return "error:"
	case LevelWarn:
		return "warning:"
	default:
		return "note:"
	}
}
