// Package logging provides the proxy's process-wide leveled logger: a small
// interface backed by go.uber.org/zap with github.com/lestrrat-go/file-
// rotatelogs as the rotating WriteSyncer.
package logging

import (
	"fmt"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the narrow leveled-logging surface every core package consults:
// Debug/Info/Warn/Error plus a rate-limited warning helper for noisy,
// frequently-repeated events (e.g. a forbidden command repeatedly sent by a
// misbehaving client).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	// WarnEvery logs at most once per interval for a given key, used for
	// the permission-rejection and graylist log sites that must not flood
	// the log under a hot client loop.
	WarnEvery(key string, interval time.Duration, format string, args ...interface{})
}

type zapLogger struct {
	l *zap.SugaredLogger

	lastWarn map[string]time.Time
}

// New builds a Logger writing to logFile (rotated daily via
// file-rotatelogs, keeping maxAge/rotateCount history) at the given
// verbosity (0=info, 1=debug).
func New(logFile string, verbosity int, maxAge time.Duration, rotateCount uint) (Logger, error) {
	var ws zapcore.WriteSyncer
	if logFile == "" {
		ws = zapcore.AddSync(os.Stderr)
	} else {
		opts := []rotatelogs.Option{rotatelogs.WithRotationTime(24 * time.Hour)}
		if maxAge > 0 {
			opts = append(opts, rotatelogs.WithMaxAge(maxAge))
		}
		if rotateCount > 0 {
			opts = append(opts, rotatelogs.WithRotationCount(rotateCount))
		}
		rl, err := rotatelogs.New(logFile+".%Y%m%d", opts...)
		if err != nil {
			return nil, err
		}
		ws = zapcore.AddSync(rl)
	}

	level := zapcore.InfoLevel
	if verbosity > 0 {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)
	base := zap.New(core)

	return &zapLogger{l: base.Sugar(), lastWarn: make(map[string]time.Time)}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop().Sugar(), lastWarn: make(map[string]time.Time)}
}

func (z *zapLogger) Debugf(format string, args ...interface{}) { z.l.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...interface{})  { z.l.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...interface{})  { z.l.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.l.Errorf(format, args...) }

func (z *zapLogger) WarnEvery(key string, interval time.Duration, format string, args ...interface{}) {
	now := time.Now()
	if last, ok := z.lastWarn[key]; ok && now.Sub(last) < interval {
		return
	}
	z.lastWarn[key] = now
	z.l.Warnf(fmt.Sprintf("[%s] %s", key, format), args...)
}
