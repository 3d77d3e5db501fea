package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/repository"
)

const defaultPrefix = "flexa:spend"

const (
	keyLastSessionID = "last_commerce_session_id"
	keyLastEventID   = "last_event_id"
	keyDeviceID      = "unique_identifier"
	keyPinnedBrands  = "pinned_brands"
	keyToken         = "token"
)

// RedisStore implements the local key/value contracts on Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ repository.StateStore      = (*RedisStore)(nil)
	_ repository.PreferenceStore = (*RedisStore)(nil)
	_ repository.TokenStore      = (*RedisStore)(nil)
)

// NewRedisStore constructs a store. An empty prefix uses the default.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *RedisStore) LastSessionID(ctx context.Context) (string, error) {
	return s.getString(ctx, keyLastSessionID)
}

func (s *RedisStore) SetLastSessionID(ctx context.Context, id string) error {
	return s.setString(ctx, keyLastSessionID, id)
}

func (s *RedisStore) ClearLastSessionID(ctx context.Context) error {
	return s.del(ctx, keyLastSessionID)
}

func (s *RedisStore) LastEventID(ctx context.Context) (string, error) {
	return s.getString(ctx, keyLastEventID)
}

func (s *RedisStore) SetLastEventID(ctx context.Context, id string) error {
	return s.setString(ctx, keyLastEventID, id)
}

func (s *RedisStore) ClearLastEventID(ctx context.Context) error {
	return s.del(ctx, keyLastEventID)
}

func (s *RedisStore) DeviceID(ctx context.Context) (string, error) {
	return s.getString(ctx, keyDeviceID)
}

// SetDeviceID stores id only if no identifier exists yet.
func (s *RedisStore) SetDeviceID(ctx context.Context, id string) error {
	if err := s.client.SetNX(ctx, s.key(keyDeviceID), id, 0).Err(); err != nil {
		return fmt.Errorf("persist device id: %w", err)
	}
	return nil
}

func (s *RedisStore) PinnedBrands(ctx context.Context) ([]string, error) {
	var ids []string
	found, err := s.getJSON(ctx, keyPinnedBrands, &ids)
	if err != nil || !found {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStore) SetPinnedBrands(ctx context.Context, brandIDs []string) error {
	if len(brandIDs) == 0 {
		return s.del(ctx, keyPinnedBrands)
	}
	return s.setJSON(ctx, keyPinnedBrands, brandIDs)
}

func (s *RedisStore) LoadToken(ctx context.Context) (*domain.StoredToken, error) {
	var stored domain.StoredToken
	found, err := s.getJSON(ctx, keyToken, &stored)
	if err != nil || !found {
		return nil, err
	}
	return &stored, nil
}

func (s *RedisStore) SaveToken(ctx context.Context, token domain.StoredToken) error {
	return s.setJSON(ctx, keyToken, token)
}

func (s *RedisStore) DeleteToken(ctx context.Context) error {
	return s.del(ctx, keyToken)
}

func (s *RedisStore) getString(ctx context.Context, name string) (string, error) {
	value, err := s.client.Get(ctx, s.key(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("load %s: %w", name, err)
	}
	return value, nil
}

func (s *RedisStore) setString(ctx context.Context, name, value string) error {
	if err := s.client.Set(ctx, s.key(name), value, 0).Err(); err != nil {
		return fmt.Errorf("persist %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, name string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, name string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.setString(ctx, name, string(payload))
}

func (s *RedisStore) del(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
