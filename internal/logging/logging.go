// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// New returns a zap logger writing to stderr at the given level.
func New(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// RateLimited forwards at most one message per interval and drops the rest.
type RateLimited struct {
	log *zap.Logger
	s   rate.Sometimes
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{
		log: log.WithOptions(zap.AddCallerSkip(1)),
		s:   rate.Sometimes{Interval: interval},
	}
}

func (l *RateLimited) Warn(msg string, fields ...zap.Field) {
	l.s.Do(func() { l.log.Warn(msg, fields...) })
}
