package observ

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop()
)

// LogConfig selects level and encoding for the process logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// NewLogger builds a zap logger from config
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		zc.EncoderConfig.MessageKey = "event"
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// SetLogger replaces the process logger. Passing nil installs a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Logger returns the process logger
func Logger() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Named returns a child of the process logger
func Named(name string) *zap.Logger {
	return Logger().Named(name)
}

// Log writes one structured event. Keys are emitted in sorted order.
func Log(event string, kv map[string]any) {
	Logger().Info(event, Fields(kv)...)
}

// Warn is Log at warn level
func Warn(event string, kv map[string]any) {
	Logger().Warn(event, Fields(kv)...)
}

// Error is Log at error level
func Error(event string, err error, kv map[string]any) {
	fields := Fields(kv)
	fields = append(fields, zap.Error(err))
	Logger().Error(event, fields...)
}

// Fields converts a key/value map into zap fields
func Fields(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, kv[k]))
	}
	return fields
}
