package app

import (
	"log/slog"
	"os"

	"audioplayer/syncd/internal/platform/privacylog"
)

// DefaultLogger returns a JSON logger with the privacy sanitizer applied,
// suitable for daemon use when the caller does not supply one.
func DefaultLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
}
