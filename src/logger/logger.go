package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the key/value logging collaborator used across the proxy.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
	Zerolog() *zerolog.Logger
}

// Options selects writers and level.
type Options struct {
	Level      string
	Writers    []string // "console", "file"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Out overrides the console writer; used by tests.
	Out io.Writer
}

type zlog struct {
	z zerolog.Logger
}

// New builds a logger. Every writer is wrapped in zerolog.SyncWriter so that
// concurrent requests never interleave partial lines.
func New(opts Options) (Logger, io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	for _, w := range opts.Writers {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console":
			out := opts.Out
			if out == nil {
				out = os.Stderr
			}
			writers = append(writers, zerolog.ConsoleWriter{Out: zerolog.SyncWriter(out), TimeFormat: time.RFC3339})
		case "file":
			if opts.File == "" {
				return nil, nil, fmt.Errorf("log writer \"file\" requires a file path")
			}
			lj := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			}
			writers = append(writers, zerolog.SyncWriter(lj))
			closer = lj
		case "json":
			out := opts.Out
			if out == nil {
				out = os.Stdout
			}
			writers = append(writers, zerolog.SyncWriter(out))
		default:
			return nil, nil, fmt.Errorf("unknown log writer %q", w)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.SyncWriter(io.Discard))
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlog{z: z}, closer, nil
}

// NewNop returns a logger that drops everything.
func NewNop() Logger {
	return &zlog{z: zerolog.Nop()}
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(z zerolog.Logger) Logger {
	return &zlog{z: z}
}

func (l *zlog) Debug(msg string, kv ...any) { l.emit(l.z.Debug(), msg, kv) }
func (l *zlog) Info(msg string, kv ...any)  { l.emit(l.z.Info(), msg, kv) }
func (l *zlog) Warn(msg string, kv ...any)  { l.emit(l.z.Warn(), msg, kv) }
func (l *zlog) Error(msg string, kv ...any) { l.emit(l.z.Error(), msg, kv) }

func (l *zlog) With(kv ...any) Logger {
	return &zlog{z: l.z.With().Fields(fields(kv)).Logger()}
}

func (l *zlog) Zerolog() *zerolog.Logger { return &l.z }

func (l *zlog) emit(ev *zerolog.Event, msg string, kv []any) {
	if ev == nil {
		return
	}
	ev.Fields(fields(kv)).Msg(msg)
}

// fields turns a flat key/value list into a map; an odd trailing value is
// logged under "!BADKEY".
func fields(kv []any) map[string]any {
	m := make(map[string]any, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			m["!BADKEY"] = kv[i]
			break
		}
		if err, isErr := kv[i+1].(error); isErr {
			m[key] = err.Error()
			continue
		}
		m[key] = kv[i+1]
	}
	return m
}

func parseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
