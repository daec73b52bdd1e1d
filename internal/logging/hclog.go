package logging

import (
	"context"
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// HCLog wraps an slog.Logger as an hclog.Logger so the raft library can log
// through the same dependency-injected pipeline as everything else.
// Only the methods raft actually calls are meaningfully implemented; the
// With/Named family returns derived adapters sharing the underlying logger.
func HCLog(logger *slog.Logger) hclog.Logger {
	return &hclogAdapter{logger: Default(logger)}
}

type hclogAdapter struct {
	logger *slog.Logger
	name   string
}

var _ hclog.Logger = (*hclogAdapter)(nil)

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.logger.Debug(msg, args...)
	case hclog.NoLevel, hclog.Info:
		a.logger.Info(msg, args...)
	case hclog.Warn:
		a.logger.Warn(msg, args...)
	case hclog.Error, hclog.Off:
		a.logger.Error(msg, args...)
	}
}

func (a *hclogAdapter) Trace(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a *hclogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a *hclogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *hclogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *hclogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }

func (a *hclogAdapter) IsTrace() bool { return a.logger.Enabled(context.Background(), slog.LevelDebug) }
func (a *hclogAdapter) IsDebug() bool { return a.logger.Enabled(context.Background(), slog.LevelDebug) }
func (a *hclogAdapter) IsInfo() bool  { return a.logger.Enabled(context.Background(), slog.LevelInfo) }
func (a *hclogAdapter) IsWarn() bool  { return a.logger.Enabled(context.Background(), slog.LevelWarn) }
func (a *hclogAdapter) IsError() bool { return a.logger.Enabled(context.Background(), slog.LevelError) }

func (a *hclogAdapter) ImpliedArgs() []any { return nil }

func (a *hclogAdapter) With(args ...any) hclog.Logger {
	return &hclogAdapter{logger: a.logger.With(args...), name: a.name}
}

func (a *hclogAdapter) Name() string { return a.name }

func (a *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &hclogAdapter{logger: a.logger.With("subsystem", full), name: full}
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: a.logger.With("subsystem", name), name: name}
}

// SetLevel is a no-op: level control lives in the slog handler.
func (a *hclogAdapter) SetLevel(hclog.Level) {}

func (a *hclogAdapter) GetLevel() hclog.Level {
	switch {
	case a.IsDebug():
		return hclog.Debug
	case a.IsInfo():
		return hclog.Info
	case a.IsWarn():
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (a *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &hclogWriter{logger: a.logger}
}

type hclogWriter struct {
	logger *slog.Logger
}

func (w *hclogWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}
