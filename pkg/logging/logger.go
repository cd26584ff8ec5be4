// Package logging provides the process-wide logger for examguard.
// It wraps logrus so every component logs with the same format and fields.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger *logrus.Logger

// Fields is an alias for logrus.Fields for convenience.
type Fields = logrus.Fields

// Options controls how the logger is set up.
type Options struct {
	Level  string
	File   string
	Format string // "text" or "json"
}

func init() {
	Logger = logrus.New()
	Logger.SetFormatter(textFormatter())
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// Setup applies the given options to the global logger.
// The daemon uses the json format so its output can be shipped as-is.
func Setup(opts Options) error {
	Logger.SetLevel(ParseLevel(opts.Level))

	switch strings.ToLower(opts.Format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		Logger.SetFormatter(textFormatter())
	}

	if opts.File == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	// Write to both file and stderr
	Logger.SetOutput(io.MultiWriter(os.Stderr, file))
	return nil
}

// ParseLevel maps a configured level name to a logrus level.
// Unknown names fall back to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func Debug(args ...interface{}) { Logger.Debug(args...) }

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }

func Info(args ...interface{}) { Logger.Info(args...) }

func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }

func Warn(args ...interface{}) { Logger.Warn(args...) }

func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }

func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }

// WithFields returns an entry with fields attached.
func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithError returns an entry with an error attached.
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// Component returns a logger entry for a specific component.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// ForIdentity returns a component entry tagged with the test-taker identity.
func ForIdentity(component, identity string) *logrus.Entry {
	return Logger.WithFields(Fields{
		"component": component,
		"identity":  identity,
	})
}
