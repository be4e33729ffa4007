// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	Development bool
	// File, when set, receives a JSON copy of every entry with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	var (
		zcfg zap.Config
		kind string
	)
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		kind = "dev"
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
		kind = "prod"
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", kind, err)
	}
	if cfg.File == "" {
		return logger, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	fileEncoder := zap.NewProductionEncoderConfig()
	fileEncoder.TimeKey = "ts"
	fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.AddSync(rotator), zcfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
