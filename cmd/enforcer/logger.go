package main

import (
	"sync"

	"github.com/nsmithuk/enforcer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a console logger writing to stderr at the given level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true

	return cfg.Build()
}

var wireOnce sync.Once

// wireLogging sends the enforcer's log lines to log. The hsm and scheduler packages forward
// to the enforcer's functions, so they are covered too. The hooks are shared by the whole
// process, so only the first logger is wired.
func wireLogging(log *zap.SugaredLogger) {
	wireOnce.Do(func() {
		enforcer.Debug = func(s string) {
			log.Debug(s)
		}
		enforcer.Info = func(s string) {
			log.Info(s)
		}
		enforcer.Warn = func(s string) {
			log.Warn(s)
		}
	})
}
