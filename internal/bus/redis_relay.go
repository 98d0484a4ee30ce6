package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "OpenSwarm-Core/internal/errors"
)

// RedisRelayConfig 描述 Redis 转发器的连接参数。
type RedisRelayConfig struct {
	Address  string
	Password string
	DB       int
	List     string
	MaxLen   int64
}

// RedisRelay 将事件以 JSON 形式推入 Redis list，供外部协作方消费。
type RedisRelay struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisRelay 创建 Redis 转发器实例。
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "openswarm:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 4096
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisRelay{client: client, list: list, maxLen: maxLen}, nil
}

// Forward 将事件推入 Redis 并裁剪超出上限的旧事件。
func (r *RedisRelay) Forward(ctx context.Context, ev Event) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(CodeRelayFailure, err, "序列化事件失败")
	}
	if err := r.client.LPush(ctx, r.list, encoded).Err(); err != nil {
		return xerrors.Wrap(CodeRelayFailure, err, "Redis 转发事件失败")
	}
	if err := r.client.LTrim(ctx, r.list, 0, r.maxLen-1).Err(); err != nil {
		return xerrors.Wrap(CodeRelayFailure, err, "Redis 裁剪事件列表失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisRelay) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Relay = (*RedisRelay)(nil)
