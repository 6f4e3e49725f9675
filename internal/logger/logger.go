// Package logger configures the process-wide slog logger for the CLI.
// Human-readable tint output on a terminal, plain text otherwise. Warnings
// and errors go to stderr so command output stays scriptable.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

var logger *slog.Logger

// Init configures the default logger. verbose enables debug level.
func Init(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	w := os.Stderr
	logger = slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !term.IsTerminal(int(w.Fd())),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" && a.Value.Kind() == slog.KindAny {
				if err, ok := a.Value.Any().(error); ok {
					return tint.Err(err)
				}
			}
			return a
		},
	}))
	slog.SetDefault(logger)
}

// Get returns the configured logger, initializing quiet defaults if Init
// was never called (tests, library use).
func Get() *slog.Logger {
	if logger == nil {
		Init(false)
	}
	return logger
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}
