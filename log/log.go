// Package log provides the process-wide structured logger shared by the
// bridge channels and the engine.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// _level is shared by the default logger and the sink logger, so SetLevel
// never replaces the installed logger.
var _level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var (
	_globalMu sync.RWMutex
	_globalL  = newProductionLogger()
	_globalS  = sugarFor(_globalL)
)

func newProductionLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = _level
	return zap.Must(cfg.Build())
}

// sugarFor skips Debugf and friends plus logf, so entries report the caller
// of the package helpers.
func sugarFor(logger *zap.Logger) *zap.SugaredLogger {
	return logger.WithOptions(zap.AddCallerSkip(2)).Sugar()
}

// SetLogger replaces the global logger. A nil logger installs a no-op one.
// SetLevel has no effect on a logger installed this way.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_globalMu.Lock()
	defer _globalMu.Unlock()
	_globalL = logger
	_globalS = sugarFor(logger)
}

// Logger returns the current global logger.
func Logger() *zap.Logger {
	_globalMu.RLock()
	defer _globalMu.RUnlock()
	return _globalL
}

func sugar() *zap.SugaredLogger {
	_globalMu.RLock()
	defer _globalMu.RUnlock()
	return _globalS
}

func logf(lvl zapcore.Level, template string, args ...any) {
	sugar().Logf(lvl, template, args...)
}

func Debugf(template string, args ...any) {
	logf(zapcore.DebugLevel, template, args...)
}

func Infof(template string, args ...any) {
	logf(zapcore.InfoLevel, template, args...)
}

func Warnf(template string, args ...any) {
	logf(zapcore.WarnLevel, template, args...)
}

func Errorf(template string, args ...any) {
	logf(zapcore.ErrorLevel, template, args...)
}

// SetLevel changes the minimum level of the default and sink loggers in
// place.
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	_level.SetLevel(lvl)
	return nil
}
