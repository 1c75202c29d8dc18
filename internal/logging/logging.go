// Package logging builds the daemon's zap logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeFormat = "2006-01-02 15:04:05.999"

// New builds a console logger at the given level. Unknown levels fall back
// to info.
func New(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(level)); err != nil {
		atomic.SetLevel(zapcore.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.Level = atomic
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)
	config.DisableStacktrace = true
	config.Sampling = nil
	return config.Build()
}

// MustNew is New for main functions.
func MustNew(level string) *zap.Logger {
	logger, err := New(level)
	if err != nil {
		panic(err)
	}
	return logger
}
