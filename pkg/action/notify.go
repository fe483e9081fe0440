package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notification is one message produced by a notify step.
type Notification struct {
	Channel     string
	Message     string
	WorkflowID  string
	ExecutionID string
	Step        string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier writing to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "action.notify.sent", "channel", n.Channel, "workflow", n.WorkflowID,
		"execution", n.ExecutionID, "step", n.Step, "message", n.Message)
	return nil
}

// DefaultStreamPrefix namespaces notification streams.
const DefaultStreamPrefix = "flowroute:notify:"

// RedisStreamNotifier appends notifications to a redis stream per
// channel, capped at roughly maxLen entries.
type RedisStreamNotifier struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisStreamNotifier returns a notifier writing to client.
func NewRedisStreamNotifier(client redis.UniversalClient, prefix string, maxLen int64) *RedisStreamNotifier {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamNotifier{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream returns the stream key for channel.
func (r *RedisStreamNotifier) Stream(channel string) string {
	if channel == "" {
		channel = "default"
	}
	return r.prefix + channel
}

func (r *RedisStreamNotifier) Notify(ctx context.Context, n Notification) error {
	_, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.Stream(n.Channel),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"message":      n.Message,
			"workflow_id":  n.WorkflowID,
			"execution_id": n.ExecutionID,
			"step":         n.Step,
			"sent_at":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("notify %s: %w", r.Stream(n.Channel), err)
	}
	return nil
}
