package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide log instance. Packages log through the
// package-level helpers below so call sites stay terse.
var Logger *logrus.Logger

// LogConfig controls log destinations and verbosity.
type LogConfig struct {
	LogPath  string
	LogLevel string
}

// PlainFormatter renders entries as "[time] [LVL] (caller) message".
type PlainFormatter struct {
	TimestampFormat string
}

// Format implements the logrus.Formatter interface.
func (f *PlainFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(msg), nil
}

// caller walks past the logging frames to the real call site.
func caller() string {
	for i := 2; i < 16; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") || strings.Contains(file, "logger/logger.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		if idx := strings.LastIndex(fn, "/"); idx >= 0 {
			fn = fn[idx+1:]
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:0"
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger configures the global logger. Safe to call more than once;
// the last configuration wins.
func InitLogger(config LogConfig) error {
	l := logrus.New()
	l.SetFormatter(&PlainFormatter{TimestampFormat: "15:04:05 2006/01/02"})
	l.SetLevel(parseLogLevel(config.LogLevel))

	if config.LogPath != "" {
		f, err := openLogFile(config.LogPath)
		if err != nil {
			l.SetOutput(os.Stdout)
			l.Warnf("failed to open log file %s, fallback to stdout: %v", config.LogPath, err)
		} else {
			l.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	} else {
		l.SetOutput(os.Stdout)
	}

	Logger = l
	return nil
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	} else {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
