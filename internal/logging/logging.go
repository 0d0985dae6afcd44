// Package logging configures the process-wide structured logger. The
// daemon runs unattended, so every component logs leveled key=value
// lines to stderr with a component field for grep-ability.
package logging

import (
	"log/slog"
	"os"
)

// New returns a stderr text logger scoped to one component.
func New(component string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("component", component)
}
