// Package logger provides the structured logging facade used across
// deployctl. It wraps zerolog with a key/value call style, optional JSON or
// console output, and an optional rotating file sink. All output passes
// through a redaction filter so credentials never reach the logs.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Logger.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values fall back to info.
	Level string
	// Format is "console" or "json". Console output is human oriented and
	// used for interactive runs; json is what the Render log drain ingests.
	Format string
	// FilePath, when non-empty, adds a rotating file sink (10 MB, 5 backups,
	// matching the application's own log rotation policy).
	FilePath string
	// Component tags every line; subsystems derive their own via Component().
	Component string
	// Out overrides the default stderr sink. Used by tests.
	Out io.Writer
}

// Logger is the logging handle handed to every subsystem.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger from opts.
func New(opts Options) *Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var sink io.Writer
	if strings.EqualFold(opts.Format, "json") {
		sink = out
	} else {
		sink = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	if opts.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		}
		sink = zerolog.MultiLevelWriter(sink, rotated)
	}

	level := parseLevel(opts.Level)
	ctx := zerolog.New(NewRedactWriter(sink)).Level(level).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	return &Logger{zl: ctx.Logger()}
}

// NewDefault returns a console logger at info level for the given component.
func NewDefault(component string) *Logger {
	return New(Options{Level: "info", Format: "console", Component: component})
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a child logger tagged with the given component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	child := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		child = child.Interface(key(kv[i]), kv[i+1])
	}
	return &Logger{zl: child.Logger()}
}

func (l *Logger) Debug(msg string, kv ...any) { emit(l.zl.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { emit(l.zl.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { emit(l.zl.Warn(), msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { emit(l.zl.Error(), msg, kv) }

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			ev = ev.Interface("missing", kv[i])
			break
		}
		ev = ev.Interface(key(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}

func key(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "arg"
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
