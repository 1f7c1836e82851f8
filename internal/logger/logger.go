package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeFormat = "2006-01-02 15:04:05"

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	base         = newLogger(os.Stdout, "text")
	output       io.Closer
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a level name (case-insensitive) into a Level.
func ParseLevel(level string) (Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	l, ok := ParseLevel(level)
	if !ok {
		return
	}

	mu.Lock()
	currentLevel = l
	base = base.Level(l.zerolog())
	mu.Unlock()
}

// Configure replaces the log sink.
//
// format is "text" (human readable, one line per entry) or "json".
// output is "stdout", "stderr" or a file path opened in append mode.
func Configure(level, format, out string) error {
	var w io.Writer
	var closer io.Closer

	switch out {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output %s: %w", out, err)
		}
		w = f
		closer = f
	}

	setOutput(format, w, closer)
	SetLevel(level)
	return nil
}

// SetOutput redirects log output to w. It is mostly useful in tests.
func SetOutput(w io.Writer, format string) {
	setOutput(format, w, nil)
}

func setOutput(format string, w io.Writer, closer io.Closer) {
	mu.Lock()
	defer mu.Unlock()

	if output != nil {
		_ = output.Close()
	}
	output = closer
	base = newLogger(w, format).Level(currentLevel.zerolog())
}

// SetProcess tags every subsequent entry with the process role, its PID and,
// for workers, the worker index.
func SetProcess(role string, workerID int) {
	mu.Lock()
	defer mu.Unlock()

	ctx := base.With().Str("role", role).Int("pid", os.Getpid())
	if workerID > 0 {
		ctx = ctx.Int("worker", workerID)
	}
	base = ctx.Logger()
}

func newLogger(w io.Writer, format string) zerolog.Logger {
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    true,
			TimeFormat: timeFormat,
		}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Enabled reports whether entries at level would be written.
func Enabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

func log(level Level, format string, v ...any) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}
	l := base
	mu.RUnlock()

	l.WithLevel(level.zerolog()).Msgf(format, v...)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
