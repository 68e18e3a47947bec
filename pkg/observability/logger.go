package observability

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// parseLevel maps a textual level to a zap level
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %q", level)
	}
}

// NewLogger creates a structured logger. Debug uses the console encoder,
// every other level emits JSON.
func NewLogger(level string) (*zap.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var config zap.Config
	if zapLevel == zapcore.DebugLevel {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.LevelKey = "level"
		config.EncoderConfig.MessageKey = "msg"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// WithFields returns a child logger carrying the given fields
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// RunLog captures every message of one invocation so it can be written to
// the latest run log once the invocation finishes.
type RunLog struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	path string
}

// NewRunLog creates a run log that flushes to path
func NewRunLog(path string) *RunLog {
	return &RunLog{path: path}
}

// Write implements zapcore.WriteSyncer
func (r *RunLog) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Sync implements zapcore.WriteSyncer
func (r *RunLog) Sync() error {
	return nil
}

// String returns everything captured so far
func (r *RunLog) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// Path returns the file the run log flushes to
func (r *RunLog) Path() string {
	return r.path
}

// Core returns a debug-level console core writing into the run log
func (r *RunLog) Core() zapcore.Core {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), r, zapcore.DebugLevel)
}

// Flush writes the captured messages to disk. Append mode keeps earlier
// runs, otherwise the file is replaced. The buffer is emptied either way.
func (r *RunLog) Flush(appendMode bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path == "" {
		r.buf.Reset()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create run log directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(r.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(r.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}
	r.buf.Reset()
	return nil
}

// NewRunLogger builds the logger used by one agent invocation. Every
// message lands in runLog; verbose additionally tees to stderr at level.
func NewRunLogger(level string, verbose bool, runLog *RunLog) (*zap.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{runLog.Core()}
	if verbose {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			zapLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
