package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/config"
)

// New creates a logrus logger that writes to stdout and, when configured, to
// a log file as well. An unparseable level falls back to info.
func New(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.File == "" {
		return log
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		log.WithError(err).Warn("Failed to create log directory, logging to stdout only")
		return log
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.WithError(err).Warn("Failed to log to file, logging to stdout only")
		return log
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return log
}
