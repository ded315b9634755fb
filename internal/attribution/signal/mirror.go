// Package signal mirrors the referral code and tracked flag for processes
// that issue their own requests against the attribution service. Deployments
// that keep everything behind the progress store can run with the no-op
// mirror instead.
package signal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cryptogarden/attribution/pkg/redis"
)

const defaultMirrorTTL = 24 * time.Hour

// Noop discards all mirror writes.
type Noop struct{}

// NewNoop creates a mirror that does nothing.
func NewNoop() Noop { return Noop{} }

func (Noop) Set(context.Context, string, bool) error { return nil }
func (Noop) Clear(context.Context) error             { return nil }

// RedisMirror keeps the two flags under short-lived keys, the cookie
// equivalent for a backend deployment.
type RedisMirror struct {
	client   *redis.Client
	codeKey  string
	trackKey string
	ttl      time.Duration
	log      *zap.Logger
}

// NewRedisMirror creates a mirror scoped to one visitor.
func NewRedisMirror(client *redis.Client, visitorID string, ttl time.Duration, log *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	kb := redis.NewKeyBuilder("cryptogarden", "attribution")
	return &RedisMirror{
		client:   client,
		codeKey:  kb.Build("mirror", visitorID+":code"),
		trackKey: kb.Build("mirror", visitorID+":tracked"),
		ttl:      ttl,
		log:      log.With(zap.String("module", "signal_mirror")),
	}
}

// Set writes both flags with a fresh TTL.
func (m *RedisMirror) Set(ctx context.Context, code string, tracked bool) error {
	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.codeKey, code, m.ttl)
	tracking := "0"
	if tracked {
		tracking = "1"
	}
	pipe.Set(ctx, m.trackKey, tracking, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Error("failed to mirror referral flags", zap.Error(err))
		return err
	}
	return nil
}

// Clear removes both flags.
func (m *RedisMirror) Clear(ctx context.Context) error {
	if err := m.client.Del(ctx, m.codeKey, m.trackKey).Err(); err != nil {
		m.log.Error("failed to clear mirrored flags", zap.Error(err))
		return err
	}
	return nil
}
