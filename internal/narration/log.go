package narration

import (
	"go.uber.org/zap"

	"github.com/Rajchodisetti/trading-core/internal/observ"
)

// LogSink writes events as structured log lines
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink logs through l, or through the process logger when l is nil
func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Emit(e Event) {
	l := s.logger
	if l == nil {
		l = observ.Named("narration")
	}
	fields := append([]zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.Time("event_time", e.Time),
	}, observ.Fields(e.Detail)...)
	if e.Symbol != "" {
		fields = append(fields, zap.String("symbol", e.Symbol))
	}
	if e.Kind.Critical() {
		l.Warn("narration", fields...)
		return
	}
	l.Info("narration", fields...)
}
