package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance wrapper. Stdout carries evaluation
// results, so every log line goes to stderr unless redirected.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = New(os.Stderr, "console")
}

// New builds a logger writing to w in the given format ("json" or "console").
func New(w io.Writer, format string) *Logger {
	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(w).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		z = zerolog.New(output).With().Timestamp().Logger()
	}
	return &Logger{z: z}
}

// ParseLevel maps a case-insensitive level name to a zerolog level.
// Unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level is one of the names ParseLevel knows.
func ValidLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}

// Setup configures the global logger
func Setup(level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = New(os.Stderr, format)
}

// SetOutput redirects the global logger, keeping the current global level.
func SetOutput(w io.Writer, format string) {
	Log = New(w, format)
}

// With returns a child logger carrying the given key-value pairs on every event.
func (l *Logger) With(args ...interface{}) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		ctx = ctx.Interface(keyOf(args[i]), args[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		if err, ok := args[i+1].(error); ok {
			e.AnErr(keyOf(args[i]), err)
			continue
		}
		e.Interface(keyOf(args[i]), args[i+1])
	}
}

func keyOf(v interface{}) string {
	if key, ok := v.(string); ok {
		return key
	}
	return fmt.Sprintf("%v", v)
}
