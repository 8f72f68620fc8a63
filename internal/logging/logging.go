// Package logging provides the structured event logger every delegator
// and client component writes through. The interface shape is the
// teacher's log_service.LogService (Debug/Info/Warn/Error over a
// LogEvent carrying a message and free-form metadata); the concrete
// sink is a zap.Logger rather than a hand-rolled file writer.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DebugLevel = "DBG"
	InfoLevel  = "INFO"
	WarnLevel  = "WARN"
	ErrorLevel = "ERR"
	FatalLevel = "FATAL"
)

// LogEvent is one structured log record.
type LogEvent struct {
	Timestamp time.Time
	NodeID    string
	Message   string
	Metadata  map[string]any
}

// Logger is the interface every delegator component logs through.
type Logger interface {
	Debug(event LogEvent)
	Info(event LogEvent)
	Warn(event LogEvent)
	Error(event LogEvent)
	Fatal(event LogEvent)
	Sync() error
}

// ZapLogger backs Logger with a zap.Logger.
type ZapLogger struct {
	nodeID string
	level  zap.AtomicLevel
	base   *zap.Logger
}

// New builds a ZapLogger writing JSON-encoded records, filtered at
// minLevel (one of DebugLevel, InfoLevel, WarnLevel, ErrorLevel,
// FatalLevel, matching config.LogLevel).
func New(nodeID string, minLevel string) (*ZapLogger, error) {
	level := zap.NewAtomicLevelAt(levelToZap(minLevel))

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		level,
	)

	base := zap.New(core).With(zap.String("node_id", nodeID))

	return &ZapLogger{nodeID: nodeID, level: level, base: base}, nil
}

func levelToZap(level string) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) fields(event LogEvent) []zap.Field {
	fields := make([]zap.Field, 0, len(event.Metadata)+1)
	if !event.Timestamp.IsZero() {
		fields = append(fields, zap.Time("event_time", event.Timestamp))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (l *ZapLogger) Debug(event LogEvent) { l.base.Debug(event.Message, l.fields(event)...) }
func (l *ZapLogger) Info(event LogEvent)  { l.base.Info(event.Message, l.fields(event)...) }
func (l *ZapLogger) Warn(event LogEvent)  { l.base.Warn(event.Message, l.fields(event)...) }
func (l *ZapLogger) Error(event LogEvent) { l.base.Error(event.Message, l.fields(event)...) }
func (l *ZapLogger) Fatal(event LogEvent) { l.base.Fatal(event.Message, l.fields(event)...) }
func (l *ZapLogger) Sync() error          { return l.base.Sync() }

// SetLevel adjusts the minimum level at runtime, e.g. on SIGHUP config reload.
func (l *ZapLogger) SetLevel(level string) {
	l.level.SetLevel(levelToZap(level))
}
