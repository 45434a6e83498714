// Package ratelimit provides per-client admission control backed by a
// token bucket persisted in the session store. Refill is lazy: tokens
// are a pure function of elapsed wall-clock time at check time, so no
// background refill task exists.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

// DefaultBucketTTL is how long an idle bucket survives in the store.
// After expiry a fresh bucket is created at full burst.
const DefaultBucketTTL = 180 * time.Second

// Policy configures one admission class.
type Policy struct {
	// RatePerMinute is the steady-state refill rate.
	RatePerMinute int `yaml:"rate_per_minute"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
}

// bucket is the persisted state for one client key.
type bucket struct {
	Tokens     int       `json:"tokens"`
	LastRefill time.Time `json:"lastRefill"`
}

// Limiter admits requests against persisted per-client buckets.
// Not safe for concurrent use on the same client key; the session
// actor serializes admission checks within a session.
type Limiter struct {
	store     store.Store
	sessionID string
	ttl       time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewLimiter creates a limiter scoped to one session's bucket namespace.
func NewLimiter(st store.Store, sessionID string) *Limiter {
	return &Limiter{
		store:     st,
		sessionID: sessionID,
		ttl:       DefaultBucketTTL,
		now:       time.Now,
	}
}

func (l *Limiter) key(clientKey string) string {
	return "tb:" + clientKey
}

// Allow checks whether one request from clientKey may proceed under the
// given policy. Both outcomes persist the bucket, refreshing its TTL.
func (l *Limiter) Allow(ctx context.Context, clientKey string, pol Policy) (bool, error) {
	if pol.RatePerMinute <= 0 || pol.Burst <= 0 {
		return false, fmt.Errorf("invalid policy: rate=%d burst=%d", pol.RatePerMinute, pol.Burst)
	}

	now := l.now().UTC()

	b, err := l.load(ctx, clientKey)
	if err != nil {
		return false, err
	}
	if b == nil {
		// First sighting of this client: full burst.
		b = &bucket{Tokens: pol.Burst, LastRefill: now}
	}

	refillInterval := time.Minute / time.Duration(pol.RatePerMinute)
	elapsed := now.Sub(b.LastRefill)
	if whole := int(elapsed / refillInterval); whole > 0 {
		b.Tokens += whole
		if b.Tokens > pol.Burst {
			b.Tokens = pol.Burst
		}
		b.LastRefill = now
	}

	if b.Tokens <= 0 {
		// Persist unchanged to refresh the TTL; the reject still counts
		// as activity.
		if err := l.persist(ctx, clientKey, b); err != nil {
			return false, err
		}
		return false, nil
	}

	b.Tokens--
	if err := l.persist(ctx, clientKey, b); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Limiter) load(ctx context.Context, clientKey string) (*bucket, error) {
	data, err := l.store.Get(ctx, l.sessionID, l.key(clientKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load bucket: %w", err)
	}

	var b bucket
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal bucket: %w", err)
	}
	return &b, nil
}

func (l *Limiter) persist(ctx context.Context, clientKey string, b *bucket) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bucket: %w", err)
	}
	return l.store.PutTTL(ctx, l.sessionID, l.key(clientKey), data, l.ttl)
}
