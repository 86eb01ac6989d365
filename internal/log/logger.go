package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger     = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	loggerLock sync.RWMutex
)

// Setup replaces the package logger. Pretty output uses zerolog's console
// writer; otherwise one JSON object per line is written to out.
func Setup(out io.Writer, level string, pretty bool) {
	if out == nil {
		out = os.Stderr
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	loggerLock.Lock()
	logger = zerolog.New(out).Level(parseLogLevel(level)).With().Timestamp().Logger()
	loggerLock.Unlock()
}

// SetLevel sets the log level at runtime
func SetLevel(levelStr string) {
	loggerLock.Lock()
	logger = logger.Level(parseLogLevel(levelStr))
	loggerLock.Unlock()
}

func parseLogLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func current() *zerolog.Logger {
	loggerLock.RLock()
	defer loggerLock.RUnlock()
	l := logger
	return &l
}

func Debug() *zerolog.Event { return current().Debug() }

func Info() *zerolog.Event { return current().Info() }

func Warn() *zerolog.Event { return current().Warn() }

func Error() *zerolog.Event { return current().Error() }

// Logger returns a copy of the underlying zerolog.Logger, e.g. to derive a
// child logger carrying an operation id.
func Logger() zerolog.Logger {
	return *current()
}
