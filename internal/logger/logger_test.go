package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/config"
)

func TestNewLevel(t *testing.T) {
	if got := New(config.LoggingConfig{Level: "debug"}).GetLevel(); got != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %v", got)
	}
	if got := New(config.LoggingConfig{Level: "chatty"}).GetLevel(); got != logrus.InfoLevel {
		t.Errorf("Unknown level should fall back to info, got %v", got)
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "detector.log")
	log := New(config.LoggingConfig{Level: "info", File: path})
	log.WithField("run", "detection_1").Info("analysis finished")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Log file should exist: %v", err)
	}
	if !strings.Contains(string(data), "analysis finished") || !strings.Contains(string(data), "run=detection_1") {
		t.Errorf("Unexpected log contents %q", data)
	}
}
