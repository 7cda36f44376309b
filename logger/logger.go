// Package logger provides the leveled logger shared by the panel and the reference agent.
package logger

import (
	"os"
	"strings"

	"github.com/op/go-logging"
)

var logger *logging.Logger

func init() {
	InitLogger(logging.INFO)
}

// InitLogger replaces the process logger with one writing to stderr at the given level.
func InitLogger(level logging.Level) {
	newLogger := logging.MustGetLogger("candy-panel")
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	format := logging.MustStringFormatter(`%{time:2006/01/02 15:04:05} %{level} - %{message}`)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "candy-panel")
	newLogger.SetBackend(leveled)
	logger = newLogger
}

// ParseLevel maps a config string to a logging level, falling back to INFO.
func ParseLevel(s string) logging.Level {
	level, err := logging.LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return logging.INFO
	}
	return level
}

func Debug(args ...any) {
	logger.Debug(args...)
}

func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

func Info(args ...any) {
	logger.Info(args...)
}

func Infof(format string, args ...any) {
	logger.Infof(format, args...)
}

func Notice(args ...any) {
	logger.Notice(args...)
}

func Warning(args ...any) {
	logger.Warning(args...)
}

func Warningf(format string, args ...any) {
	logger.Warningf(format, args...)
}

func Error(args ...any) {
	logger.Error(args...)
}

func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Printf lets the logger stand in where a Printf-style logger is expected (cron, gorm).
type Printf struct{}

func (Printf) Printf(format string, args ...any) {
	logger.Debugf(strings.TrimSuffix(format, "\n"), args...)
}
