// Package logging holds the slog helpers shared by the internal packages.
package logging

import (
	"log/slog"
)

type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger discards everything.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}

// OrNull returns log, or a NullLogger if log is nil.
func OrNull(log *slog.Logger) *slog.Logger {
	if log == nil {
		return NullLogger()
	}
	return log
}
