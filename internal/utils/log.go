package utils

import (
	"os"

	"github.com/capsule-os/capsule/internal/constants"
	"github.com/rs/zerolog"
)

// Log is the package-wide logger, configured once at startup.
var Log zerolog.Logger

func SetLogger() {
	level := zerolog.InfoLevel
	if os.Getenv(constants.DebugEnv) != "" {
		level = zerolog.DebugLevel
	}

	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
