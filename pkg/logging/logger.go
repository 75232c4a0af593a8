package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// InitLogging initializes logging
func InitLogging(level, format string) {
	InitLoggingTo(os.Stderr, level, format)
}

// InitLoggingTo initializes logging with an explicit writer
func InitLoggingTo(w io.Writer, level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger returns the base logger
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Component returns a logger tagged with a component name
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	l := Logger()
	l.Debug().Msgf(format, v...)
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	l := Logger()
	l.Info().Msgf(format, v...)
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	l := Logger()
	l.Warn().Msgf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	l := Logger()
	l.Error().Msgf(format, v...)
}
