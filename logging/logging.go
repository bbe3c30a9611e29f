// Package logging constructs the process-wide logger.
//
// Grounded on the teacher's leveled logging usage throughout downloader
// (glog.Infof/Warningf/Errorf); the teacher's glog fork lives at an in-tree
// vendor path rather than a fetchable module, so the pack's zerolog stack
// (cuemby-warren) is used for the external dependency instead.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// levelFromConfig maps the original log.c severities ("error", "warning",
// "message", "info", "debug") onto zerolog levels. "message" is glib's
// G_LOG_LEVEL_MESSAGE, which sits between info and warning; it is mapped to
// zerolog's info level, matching the original's default verbosity.
func levelFromConfig(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error", "critical":
		return zerolog.ErrorLevel
	case "warning":
		return zerolog.WarnLevel
	case "message", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a console-friendly logger writing to w, leveled per
// levelFromConfig(configLevel).
func New(w io.Writer, configLevel string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02T15:04:05Z07:00"}
	return zerolog.New(out).Level(levelFromConfig(configLevel)).With().Timestamp().Logger()
}
