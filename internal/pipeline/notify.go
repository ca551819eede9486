package pipeline

import (
	"context"
	"time"

	"docchat/internal/logger"
	"docchat/internal/models"
	"docchat/internal/redis"
)

// StatusChannel is the redis channel status events are published on.
const StatusChannel = "pipeline:status"

// Event is emitted after every committed status change and on delete.
type Event struct {
	FileID       string       `json:"file_id"`
	Status       string       `json:"status,omitempty"`
	FailureStage models.Stage `json:"failure_stage,omitempty"`
	Deleted      bool         `json:"deleted,omitempty"`
	At           time.Time    `json:"at"`
}

// Notifier receives pipeline events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// RedisNotifier publishes events as JSON on StatusChannel.
type RedisNotifier struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisNotifier(client *redis.Client, log *logger.Logger) *RedisNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	if err := n.client.PublishJSON(ctx, StatusChannel, ev); err != nil {
		n.log.Warn("pipeline event publish failed", "file_id", ev.FileID, "error", err)
	}
}
