// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelTags = map[Level]string{
	DebugLevel: "[DEBUG]",
	InfoLevel:  "[INFO]",
	WarnLevel:  "[WARN]",
	ErrorLevel: "[ERROR]",
}

// Logger provides leveled logging.
type Logger struct {
	level  Level
	logger *log.Logger
}

var defaultLogger = &Logger{
	level:  InfoLevel,
	logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
}

func parseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Init configures the default logger. The text format adds caller
// file:line information; json keeps timestamps only.
func Init(level string, format string) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}

	defaultLogger = &Logger{
		level:  parseLevel(level),
		logger: log.New(os.Stderr, "", flags),
	}
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if l.level > level {
		return
	}
	msg := fmt.Sprintf(levelTags[level]+" "+format, args...)
	_ = l.logger.Output(3, msg)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.logf(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.logf(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.logf(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.logf(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	_ = defaultLogger.logger.Output(2, msg)
	os.Exit(1)
}
