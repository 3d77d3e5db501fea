package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"

	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/repository"
)

// RedisBrandSessionRepo stores BrandSession records as JSON keyed by session
// id, with a sorted set on expiry for pruning. It is used when no database
// is configured.
type RedisBrandSessionRepo struct {
	client redis.UniversalClient
	node   *snowflake.Node
	prefix string
	now    func() time.Time
}

var _ repository.BrandSessionRepository = (*RedisBrandSessionRepo)(nil)

// NewRedisBrandSessionRepo constructs the repository.
func NewRedisBrandSessionRepo(client redis.UniversalClient, node *snowflake.Node, prefix string) *RedisBrandSessionRepo {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisBrandSessionRepo{client: client, node: node, prefix: prefix, now: time.Now}
}

func (r *RedisBrandSessionRepo) recordKey(sessionID string) string {
	return r.prefix + ":brand_session:" + sessionID
}

func (r *RedisBrandSessionRepo) expiryKey() string {
	return r.prefix + ":brand_sessions:by_expiry"
}

// Save upserts the record for record.SessionID. The original id and
// creation date are kept on update.
func (r *RedisBrandSessionRepo) Save(ctx context.Context, record domain.BrandSession) (domain.BrandSession, error) {
	if record.SessionID == "" {
		return domain.BrandSession{}, fmt.Errorf("save brand session: session id required")
	}
	existing, err := r.GetBySessionID(ctx, record.SessionID)
	switch {
	case err == nil:
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		if record.TransactionID == "" {
			record.TransactionID = existing.TransactionID
		}
		record.Legacy = record.Legacy || existing.Legacy
	case errors.Is(err, domain.ErrNotFound):
		record.ID = r.node.Generate().Int64()
		if record.CreatedAt.IsZero() {
			record.CreatedAt = r.now().UTC()
		}
	default:
		return domain.BrandSession{}, err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return domain.BrandSession{}, fmt.Errorf("marshal brand session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(record.SessionID), payload, 0)
	pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(record.ExpiresAt.Unix()), Member: record.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.BrandSession{}, fmt.Errorf("persist brand session: %w", err)
	}
	return record, nil
}

func (r *RedisBrandSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (domain.BrandSession, error) {
	raw, err := r.client.Get(ctx, r.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BrandSession{}, domain.ErrNotFound
		}
		return domain.BrandSession{}, fmt.Errorf("load brand session: %w", err)
	}
	var record domain.BrandSession
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.BrandSession{}, fmt.Errorf("decode brand session: %w", err)
	}
	return record, nil
}

// DeleteExpired removes records whose expiry is before now.
func (r *RedisBrandSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired brand sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids))
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.recordKey(id))
		members = append(members, id)
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, r.expiryKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete expired brand sessions: %w", err)
	}
	return int64(len(ids)), nil
}
