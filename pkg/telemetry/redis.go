package telemetry

import (
	"context"
	"encoding/json"

	"github.com/canopy-network/modelserve/pkg/redis"
	"go.uber.org/zap"
)

// ChannelFor is the pub/sub channel an event is published on.
func ChannelFor(prefix string, k Kind) string {
	return prefix + ":" + string(k)
}

// RedisPublisher publishes events as JSON on "<prefix>:<kind>" channels so
// other replicas and dashboards can follow them.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisPublisher(client *redis.Client, prefix string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

func (r *RedisPublisher) Emit(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("Failed to encode telemetry event", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	// Publish already logs failures
	_ = r.client.Publish(ctx, ChannelFor(r.prefix, e.Kind), payload)
}
