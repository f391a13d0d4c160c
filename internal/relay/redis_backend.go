package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
)

const redisStateKeyPrefix = "convrelay:state:"

type RedisStateBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateBackend accepts redis:// and rediss:// URLs.
func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{
		client:    redis.NewClient(opts),
		keyPrefix: redisStateKeyPrefix,
	}, nil
}

func (b *RedisStateBackend) Load(key string) (*ConversationState, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateOperationTimeout)
	defer cancel()

	payload, err := b.client.Get(ctx, b.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state ConversationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *RedisStateBackend) Save(key string, state *ConversationState) error {
	if b == nil || b.client == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.keyPrefix+key, payload, 0).Err()
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
