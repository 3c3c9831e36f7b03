package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trades-automation/internal/config"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink 通过 PUBLISH 将通知发布到频道。
type RedisSink struct {
	client  redisPublisher
	channel string
}

// NewRedisSink 连接 Redis 并创建通道。
func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("notify: redis addr 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: 连接 Redis 失败: %w", err)
	}
	return newRedisSink(client, cfg.Channel), nil
}

func newRedisSink(client redisPublisher, channel string) *RedisSink {
	if channel == "" {
		channel = "automation:executions"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: 序列化通知失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify: Redis 发布失败: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
