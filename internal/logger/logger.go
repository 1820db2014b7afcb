package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// rotating holds the rotating file writer, if any, so Sync can close it.
var (
	rotating   io.Closer
	rotatingMu sync.Mutex
)

// Logger wraps logrus.Entry to provide structured logging with context support.
type Logger struct {
	*logrus.Entry
}

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // explicit output, wins over File
	ServiceName string

	// File enables rotated file output in addition to stdout.
	File       string
	FileOnly   bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "voucherd",
		MaxSizeMB:   100,
		MaxBackups:  7,
		MaxAgeDays:  30,
		Compress:    true,
	}
}

// New creates a new Logger with the given configuration.
// A nil cfg uses DefaultConfig.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(true)

	if strings.ToLower(cfg.Format) == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  timestampFormat,
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	}

	log.SetOutput(outputFor(cfg))

	service := cfg.ServiceName
	if service == "" {
		service = "voucherd"
	}
	return &Logger{Entry: log.WithField("service", service)}
}

func outputFor(cfg *Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	if cfg.File == "" {
		return os.Stdout
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	rotatingMu.Lock()
	rotating = fileWriter
	rotatingMu.Unlock()

	if cfg.FileOnly {
		return fileWriter
	}
	return io.MultiWriter(os.Stdout, fileWriter)
}

// Sync closes the rotating log file, if one is open.
// Call it before the program exits.
func Sync() error {
	rotatingMu.Lock()
	defer rotatingMu.Unlock()

	if rotating != nil {
		return rotating.Close()
	}
	return nil
}

// WithFields returns a new Logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// WithField returns a new Logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a new Logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// callerPrettyfier shortens caller information to package.func and file:line.
func callerPrettyfier(frame *runtime.Frame) (function string, file string) {
	funcName := frame.Function
	if idx := strings.LastIndex(funcName, "/"); idx != -1 {
		funcName = funcName[idx+1:]
	}
	return funcName, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

// CtxDebug logs a message at Debug level with context fields.
func CtxDebug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

// CtxInfo logs a message at Info level with context fields.
func CtxInfo(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// CtxWarn logs a message at Warn level with context fields.
func CtxWarn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

// CtxError logs a message at Error level with context fields.
func CtxError(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}
