// Package logger provides the structured logging interface used across the
// relay, backed by zerolog. Entries go to stdout as JSON (or a console
// rendering) and can additionally be teed into daily-rotated files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is the structured logger handed to every component. Loggers derived
// with With share the parent's output.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every subsequent entry.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach, e.g. conn_id and remote address
	//
	// Returns:
	//   - A derived Logger; the receiver is unchanged
	With(fields ...Field) Logger

	// Close releases the file writer if this Logger owns one. Derived
	// loggers never own it. Safe to call multiple times.
	Close() error
}

// Options configures New.
type Options struct {
	// Service is attached to every entry and used in log file names.
	Service string
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is "json" (default) or "console".
	Format string
	// Dir enables daily-rotated log files when non-empty.
	Dir string
	// Output overrides stdout; mainly for tests.
	Output io.Writer
}

type zerologLogger struct {
	logger     zerolog.Logger
	fileWriter *DailyFileWriter
}

// New builds a zerolog-backed Logger from opts.
//
// Parameters:
//   - opts: Service name, level, output format and optional log directory
//
// Returns:
//   - The Logger, or an error if the level or format is unknown or the log
//     directory cannot be prepared
func New(opts Options) (Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}

	switch strings.ToLower(opts.Format) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var fileWriter *DailyFileWriter
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}

		fileWriter, err = NewDailyFileWriter(opts.Service, opts.Dir)
		if err != nil {
			return nil, err
		}

		out = io.MultiWriter(out, fileWriter)
	}

	return &zerologLogger{
		logger:     zerolog.New(out).With().Str("service", opts.Service).Timestamp().Logger().Level(level),
		fileWriter: fileWriter,
	}, nil
}

// Nop returns a Logger that discards every entry.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a textual level onto a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "debug", "info", "warn", "error":
		return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil {
		return z.fileWriter.Close()
	}

	return nil
}

// toMap converts fields into the map form zerolog expects. Errors are
// rendered as strings so they survive JSON encoding.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			m[f.Key] = err.Error()
			continue
		}

		m[f.Key] = f.Value
	}

	return m
}
