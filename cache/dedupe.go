package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const playDedupeKey = "plays:seen:%s:%d" // String: listener hash + trackID, expires after the window

// DedupeGuard suppresses repeated plays of the same track by the same listener.
type DedupeGuard struct {
	client *redis.Client
}

// NewDedupeGuard creates a DedupeGuard.
func NewDedupeGuard(client *redis.Client) *DedupeGuard {
	return &DedupeGuard{client: client}
}

// FirstWithin returns true the first time listener plays trackID inside window,
// false for every repeat until the window expires.
func (g *DedupeGuard) FirstWithin(ctx context.Context, listener string, trackID int64, window time.Duration) (bool, error) {
	if g.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}
	ok, err := g.client.SetNX(ctx, fmt.Sprintf(playDedupeKey, listener, trackID), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check play dedupe: %w", err)
	}
	return ok, nil
}
