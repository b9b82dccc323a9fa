package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/types"
)

// LogSink writes messages and events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "room_log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) PublishMessage(_ context.Context, msg *types.Message) error {
	s.logger.Info("room message",
		zap.String("room_id", msg.RoomID),
		zap.String("task_id", msg.TaskID),
		zap.String("sender_type", string(msg.SenderType)),
		zap.String("sender_id", msg.SenderID),
		zap.String("kind", string(msg.Kind)))
	return nil
}

func (s *LogSink) PublishEvent(_ context.Context, ev types.Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("room_id", ev.RoomID),
		zap.String("task_id", ev.TaskID),
	}
	if len(ev.Data) > 0 {
		fields = append(fields, zap.Any("data", ev.Data))
	}
	s.logger.Info("task event", fields...)
	return nil
}
