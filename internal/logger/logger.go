// Package logger provides a package-level structured logger built on
// log/slog, switching between a "time=... severity=... message=..." text
// handler and a JSON handler with a nested {seconds,nanos} timestamp.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/cachefs/cachefs/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom levels finer-grained than slog's four defaults, matching the
// severity vocabulary cfg.LogSeverity uses.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

var severityToLevel = map[cfg.LogSeverity]slog.Level{
	cfg.TraceLogSeverity:   LevelTrace,
	cfg.DebugLogSeverity:   LevelDebug,
	cfg.InfoLogSeverity:    LevelInfo,
	cfg.WarningLogSeverity: LevelWarn,
	cfg.ErrorLogSeverity:   LevelError,
	cfg.OffLogSeverity:     LevelOff,
}

var levelToSeverity = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type loggerFactory struct {
	format string
}

var defaultLoggerFactory = &loggerFactory{format: "text"}
var defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stdout, new(slog.LevelVar), ""))

// severityHandler wraps a slog.Handler to render severity names instead of
// slog's own Level strings, and to gate output on our finer level set.
type severityHandler struct {
	slog.Handler
	format string
	level  *slog.LevelVar
}

func (h *severityHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *severityHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.Handler.Handle(ctx, r)
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			lvl, _ := a.Value.Any().(slog.Level)
			sev, ok := levelToSeverity[lvl]
			if !ok {
				sev = lvl.String()
			}
			return slog.String("severity", sev)
		case slog.MessageKey:
			return slog.String("message", prefix+a.Value.String())
		case slog.TimeKey:
			if f.format == "json" {
				t := a.Value.Time()
				return slog.Group("timestamp",
					slog.Int64("seconds", t.Unix()),
					slog.Int("nanos", t.Nanosecond()))
			}
			return slog.String("time", a.Value.Time().Format("2006/01/02 15:04:05.000000"))
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replace}

	var h slog.Handler
	if f.format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &severityHandler{Handler: h, format: f.format, level: level}
}

// Init (re)configures the package-level logger per the resolved config.
// Safe to call once at startup, after cfg.ValidateConfig succeeds.
func Init(c cfg.LoggingConfig) error {
	var w io.Writer = os.Stdout
	if c.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   string(c.FilePath),
			MaxSize:    orDefault(c.MaxSizeMB, cfg.DefaultLogMaxSizeMB),
			MaxBackups: orDefault(c.Backups, cfg.DefaultLogBackups),
			Compress:   true,
		}
	}

	format := c.Format
	if format == "" {
		format = "text"
	}
	defaultLoggerFactory.format = format

	programLevel := new(slog.LevelVar)
	setLoggingLevel(c.Severity, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, ""))
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func setLoggingLevel(severity cfg.LogSeverity, programLevel *slog.LevelVar) {
	level, ok := severityToLevel[severity]
	if !ok {
		level = LevelInfo
	}
	programLevel.Set(level)
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelDebug, fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelInfo, fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelWarn, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelError, fmt.Sprintf(format, v...))
}

// errorWriter funnels whatever the jacobsa/fuse connection logs through our
// own Errorf, so fuse-level diagnostics share the configured format and
// destination instead of going straight to stderr.
type errorWriter struct{}

func (errorWriter) Write(p []byte) (int, error) {
	Errorf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// LegacyLogger adapts the package logger to the plain *log.Logger that
// jacobsa/fuse's MountConfig.ErrorLogger and DebugLogger expect.
func LegacyLogger(prefix string) *log.Logger {
	return log.New(errorWriter{}, prefix, 0)
}
