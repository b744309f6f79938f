package main

import (
	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/pkg/logger"
)

func newAppLogger(cfg *config.CoreConfig) *logger.Logger {
	return logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
}
