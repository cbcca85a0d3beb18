// Package logging builds the process-wide structured logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls the rotating file sink (spec: 10MB x 5).
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

func DefaultFileConfig(path string) FileConfig {
	return FileConfig{Path: path, MaxSizeMB: 10, MaxBackups: 5}
}

// New builds a logger that writes structured JSON to both stdout and a
// rotating log file. Passing a zero-value FileConfig.Path disables the
// file sink (console-only).
func New(fc FileConfig) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		zap.InfoLevel,
	)

	if fc.Path == "" {
		return zap.New(consoleCore, zap.AddCaller()), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		Compress:   false,
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(rotator),
		zap.InfoLevel,
	)

	core := zapcore.NewTee(consoleCore, fileCore)
	return zap.New(core, zap.AddCaller()), nil
}
