package logging

import (
	"io"
	"os"
	"strings"

	"wagate/internal/models"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Shared structured field names
const (
	FieldSessionID = "session_id"
	FieldTenantID  = "tenant_id"
	FieldMessageID = "message_id"
	FieldEvent     = "event"
	FieldQueue     = "queue"
	FieldJobID     = "job_id"
	FieldAttempt   = "attempt"
	FieldStatus    = "status"
	FieldComponent = "component"
	FieldDuration  = "duration_ms"
	FieldURL       = "url"
	FieldChatID    = "chat_id"
)

// New builds the process logger. Output goes to stdout and, when a file is
// configured, also to a size-rotated file.
func New(cfg models.LogConfig) *logrus.Logger {
	logger := logrus.New()

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetOutput(Writer(cfg, os.Stdout))
	return logger
}

// Writer returns stdout alone or stdout teed into a lumberjack file
func Writer(cfg models.LogConfig, stdout io.Writer) io.Writer {
	if cfg.File == "" {
		return stdout
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(stdout, file)
}

// Component returns an entry tagged with the component name
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField(FieldComponent, name)
}
