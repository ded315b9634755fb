package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cryptogarden/attribution/internal/attribution"
	pkgerrors "github.com/cryptogarden/attribution/pkg/errors"
	"github.com/cryptogarden/attribution/pkg/redis"
)

const defaultProgressTTL = 30 * 24 * time.Hour

// Redis persists the progress record as a JSON value under a per-visitor
// key. Records carry a TTL so abandoned attributions eventually expire; the
// TTL is refreshed on every save.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis creates a Redis-backed progress store scoped to one visitor.
func NewRedis(client *redis.Client, visitorID string, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultProgressTTL
	}
	kb := redis.NewKeyBuilder("cryptogarden", "attribution")
	return &Redis{
		client: client,
		key:    kb.Build("progress", visitorID),
		ttl:    ttl,
		log:    log.With(zap.String("module", "progress_store")),
	}
}

// Load reads and decodes the persisted record.
func (r *Redis) Load(ctx context.Context) (attribution.ReferralProgress, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return attribution.ReferralProgress{}, pkgerrors.ErrNotFound
		}
		return attribution.ReferralProgress{}, fmt.Errorf("failed to load progress: %w", err)
	}

	var p attribution.ReferralProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return attribution.ReferralProgress{}, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return p, nil
}

// Save encodes and writes the record, refreshing its TTL.
func (r *Redis) Save(ctx context.Context, p attribution.ReferralProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		r.log.Error("failed to save progress",
			zap.String("key", r.key),
			zap.Error(err))
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// Delete removes the record.
func (r *Redis) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		r.log.Error("failed to delete progress",
			zap.String("key", r.key),
			zap.Error(err))
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}
