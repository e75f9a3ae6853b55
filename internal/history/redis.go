package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"genmedia-studio/internal/studio"
)

const redisKeyPrefix = "studio:history:"

// Redis stores a project's list in a hash with "entries" and "version"
// fields. Replace uses WATCH so a concurrent writer aborts the transaction.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Load(ctx context.Context, projectID string) ([]studio.GeneratedAsset, int64, error) {
	return loadRedis(ctx, r.client, redisKeyPrefix+projectID)
}

func (r *Redis) Replace(ctx context.Context, projectID string, entries []studio.GeneratedAsset, expected int64) (int64, error) {
	if entries == nil {
		entries = []studio.GeneratedAsset{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return 0, fmt.Errorf("encode history: %w", err)
	}

	key := redisKeyPrefix + projectID
	next := expected + 1
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		_, current, err := loadRedis(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "entries", raw, "version", next)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return 0, ErrVersionConflict
	default:
		return 0, fmt.Errorf("replace history: %w", err)
	}
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func loadRedis(ctx context.Context, c hashGetter, key string) ([]studio.GeneratedAsset, int64, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("load history: %w", err)
	}
	if len(fields) == 0 {
		return nil, 0, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("decode history version: %w", err)
	}
	var entries []studio.GeneratedAsset
	if err := json.Unmarshal([]byte(fields["entries"]), &entries); err != nil {
		return nil, 0, fmt.Errorf("decode history: %w", err)
	}
	return entries, version, nil
}
