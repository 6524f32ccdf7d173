// Package logging hands out per-component logrus loggers that share one
// process-wide level, format and sink.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Config defines the logging section of the daemon configuration.
type Config struct {
	// Level is the minimum log level to output (e.g., "debug", "info", "warn", "error").
	// Can be overridden by the SESSIOND_LOG_LEVEL environment variable.
	Level string `yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `yaml:"format"`

	// ReportCaller includes the file, line, and function name in the log output.
	ReportCaller bool `yaml:"report_caller"`
}

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	current   = Config{Level: "info", Format: "text"}
	output    io.Writer = os.Stderr
)

// Configure applies cfg to every logger handed out so far and to future ones.
func Configure(cfg Config) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	current = cfg
	for _, entry := range loggers {
		apply(entry.Logger)
	}
}

// SetOutput redirects all loggers. Tests use it to capture or discard output.
func SetOutput(w io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	output = w
	for _, entry := range loggers {
		entry.Logger.SetOutput(w)
	}
}

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()
	apply(logger)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

func apply(logger *logrus.Logger) {
	levelStr := "info"
	if env := os.Getenv("SESSIOND_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if current.Level != "" {
		levelStr = current.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetReportCaller(current.ReportCaller)
	logger.SetOutput(output)

	switch current.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		interactive := false
		if f, ok := output.(*os.File); ok {
			interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			DisableColors:    !interactive,
			DisableQuote:     interactive,
			QuoteEmptyFields: true,
		})
	}
}
