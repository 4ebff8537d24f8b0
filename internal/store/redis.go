package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists runner records in Redis, one JSON value per
// runner keyed "runners:{name}", plus a singleton manager_running flag.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and verifies connectivity with a Ping.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Get(ctx context.Context, name string) (*Record, bool, error) {
	data, err := s.client.Get(ctx, RunnerKey(name)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", name, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("store: decode %s: %w", name, err)
	}
	return &rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.Name, err)
	}
	if err := s.client.Set(ctx, RunnerKey(rec.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("store: put %s: %w", rec.Name, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, RunnerKey(name)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	keys, err := s.client.Keys(ctx, runnerKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (s *RedisStore) ManagerRunning(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, managerRunningKey).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: manager_running: %w", err)
	}
	return val == "true", nil
}

func (s *RedisStore) SetManagerRunning(ctx context.Context, running bool) error {
	val := "false"
	if running {
		val = "true"
	}
	if err := s.client.Set(ctx, managerRunningKey, val, 0).Err(); err != nil {
		return fmt.Errorf("store: set manager_running: %w", err)
	}
	return nil
}
