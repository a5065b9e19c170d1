package credstore

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects where a RedisStore keeps its data.
type RedisConfig struct {
	// KeyPrefix namespaces every key, e.g. "mgmt:credential-store:cs1".
	KeyPrefix string
	// Create initializes an empty store on start if none exists.
	Create bool
}

// RedisStore keeps aliases in a Redis set. The client is shared and not closed on Stop.
//
// A store is initialized once its marker key exists. Without Create, starting against a
// store nobody initialized leaves the service UP but uninitialized.
type RedisStore struct {
	client      redis.UniversalClient
	config      RedisConfig
	initialized atomic.Bool
}

func NewRedisStore(client redis.UniversalClient, config RedisConfig) *RedisStore {
	return &RedisStore{client: client, config: config}
}

func (s *RedisStore) aliasesKey() string {
	return s.config.KeyPrefix + ":aliases"
}

func (s *RedisStore) markerKey() string {
	return s.config.KeyPrefix + ":initialized"
}

func (s *RedisStore) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis store %s: %w", s.config.KeyPrefix, err)
	}
	if s.config.Create {
		if err := s.client.SetNX(ctx, s.markerKey(), "1", 0).Err(); err != nil {
			return fmt.Errorf("redis store %s: create: %w", s.config.KeyPrefix, err)
		}
	}
	n, err := s.client.Exists(ctx, s.markerKey()).Result()
	if err != nil {
		return fmt.Errorf("redis store %s: %w", s.config.KeyPrefix, err)
	}
	s.initialized.Store(n > 0)
	return nil
}

func (s *RedisStore) Stop(context.Context) error {
	s.initialized.Store(false)
	return nil
}

func (s *RedisStore) Initialized() bool {
	return s.initialized.Load()
}

func (s *RedisStore) Aliases(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.aliasesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store %s: list aliases: %w", s.config.KeyPrefix, err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) AddAlias(ctx context.Context, alias string) error {
	return s.client.SAdd(ctx, s.aliasesKey(), alias).Err()
}

func (s *RedisStore) RemoveAlias(ctx context.Context, alias string) error {
	return s.client.SRem(ctx, s.aliasesKey(), alias).Err()
}
