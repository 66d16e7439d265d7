package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/hnsnap/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Record events
// are logged at debug level; lifecycle events at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRecordStored, progress.StageFetchFailed:
			level = zapcore.DebugLevel
			fields = append(fields,
				zap.String("space", evt.Space),
				zap.String("id", evt.ID),
				zap.String("kind", evt.Kind),
				zap.String("error_kind", evt.ErrorKind),
				zap.Duration("dur", evt.Dur),
			)
		default:
			fields = append(fields,
				zap.String("state", evt.State),
				zap.String("reason", evt.Reason),
				zap.Int64("count", evt.Count),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
