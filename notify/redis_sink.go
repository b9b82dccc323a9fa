package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/internal/tlsutil"
	"github.com/BaSui01/agentroom/types"
)

const publishTimeout = 2 * time.Second

// RedisSink publishes envelopes on "<prefix>:room:<roomID>" so every API
// instance can serve room subscribers.
type RedisSink struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisClient builds and pings a client from the redis config section.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(cfg.Addr)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisSink creates a sink over an existing client.
func NewRedisSink(client *redis.Client, prefix string, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "agentroom"
	}
	return &RedisSink{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_sink")),
	}
}

// Channel returns the pub/sub channel of a room.
func (s *RedisSink) Channel(roomID string) string {
	return s.prefix + ":room:" + roomID
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) PublishMessage(ctx context.Context, msg *types.Message) error {
	return s.publish(ctx, messageEnvelope(msg))
}

func (s *RedisSink) PublishEvent(ctx context.Context, ev types.Event) error {
	return s.publish(ctx, eventEnvelope(ev))
}

func (s *RedisSink) publish(ctx context.Context, env Envelope) error {
	payload, err := env.marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.client.Publish(pctx, s.Channel(env.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Relay subscribes to every room channel and forwards envelopes published by
// other instances into hub. It blocks until ctx is done.
func (s *RedisSink) Relay(ctx context.Context, hub *Hub) error {
	sub := s.client.PSubscribe(ctx, s.prefix+":room:*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			roomID := m.Channel[len(s.prefix)+len(":room:"):]
			hub.Broadcast(roomID, []byte(m.Payload))
		}
	}
}
