// Package throttle suppresses repeated warnings within a time window.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle grants at most one Allow per key per window.
type Throttle interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Memory is a process-local Throttle.
type Memory struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemory creates a Memory throttle. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{until: make(map[string]time.Time), now: now}
}

// Allow reports whether key may fire now and, if so, blocks it for window.
func (m *Memory) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.until[key]; ok && now.Before(until) {
		return false, nil
	}
	m.until[key] = now.Add(window)
	return true, nil
}

// Redis is a Throttle shared between processes through a Redis key with TTL.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis throttle storing keys under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Allow sets the key only if absent, so the first caller in a window wins.
func (r *Redis) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("throttle setnx: %w", err)
	}
	return ok, nil
}
