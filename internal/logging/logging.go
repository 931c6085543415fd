package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"iptablesd/internal/config"
)

// New builds a zap logger from cfg. Unknown levels fall back to info.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output != "" && cfg.Output != "stdout" && cfg.Output != "stderr" {
		zapCfg.OutputPaths = []string{cfg.Output}
	} else if cfg.Output == "stdout" {
		zapCfg.OutputPaths = []string{"stdout"}
	}

	return zapCfg.Build()
}
