package logging

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarning
	LogLevelBasic
	LogLevelDebug
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableQuote: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func SetLevel(l LogLevel) {
	switch l {
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelWarning:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelBasic:
		logger.SetLevel(logrus.InfoLevel)
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	}
}

func GetLevel() LogLevel {
	switch logger.GetLevel() {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LogLevelError
	case logrus.WarnLevel:
		return LogLevelWarning
	case logrus.DebugLevel, logrus.TraceLevel:
		return LogLevelDebug
	default:
		return LogLevelBasic
	}
}

// FromString parses a numeric or named log level, the way the teacher's
// own logging package does: "2" and "basic" both give LogLevelBasic.
// config.Validate admits only the named forms, so --log-level and
// WITDEPS_LOGGING values reach this function as names.
func FromString(s string) LogLevel {
	if numericLogLevel, err := strconv.Atoi(s); err == nil {
		return boundedLogLevel(numericLogLevel)
	}
	switch strings.ToLower(s) {
	case "error":
		return LogLevelError
	case "warning":
		return LogLevelWarning
	case "basic":
		return LogLevelBasic
	case "debug":
		return LogLevelDebug
	}
	return LogLevelBasic
}

func boundedLogLevel(numericLevel int) LogLevel {
	if numericLevel < 0 {
		return LogLevelError
	}
	if numericLevel > 3 {
		return LogLevelDebug
	}
	return LogLevel(numericLevel)
}

func Debugf(format string, args ...any)   { logger.Debugf(format, args...) }
func Warningf(format string, args ...any) { logger.Warnf(format, args...) }
func Basicf(format string, args ...any)   { logger.Infof(format, args...) }
func Errorf(format string, args ...any)   { logger.Errorf(format, args...) }
func Fatalf(format string, args ...any)   { logger.Fatalf(format, args...) }
