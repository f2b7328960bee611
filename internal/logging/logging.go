package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Verbose enables debug-level output and
// caller annotations; otherwise the encoder stays terse for cron mail.
func New(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true

	opts := []zap.Option{}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		opts = append(opts, zap.AddCaller())
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableCaller = true
	}

	log, err := cfg.Build(opts...)
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
