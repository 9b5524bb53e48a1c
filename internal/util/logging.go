// Package util provides small process-wide initialization helpers shared by
// the sync engine's entrypoints.
package util

import (
	"os"

	"github.com/rs/zerolog"
)

// InitLogger builds the process's base zerolog logger: pretty console
// output when stdout is a terminal, structured JSON otherwise, tagged with
// serviceName the way the teacher's InitLogger tagged every log line with
// "service". Config loading and level selection now live in
// internal/config; call config.UpdateLogLevel against the result once the
// config is loaded.
func InitLogger(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

// isTerminal reports whether stdout is a terminal, used to pick pretty vs
// JSON log output.
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
