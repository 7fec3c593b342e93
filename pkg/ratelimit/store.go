package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists window state and per-minute request counters. MemoryStore
// serves a single process; RedisStore shares state between processes that
// use the same upstream credentials.
type Store interface {
	GetState(ctx context.Context) (State, error)
	SetState(ctx context.Context, s State) error

	// IncrWindow counts one request in the minute window starting at
	// window and returns the count including this request.
	IncrWindow(ctx context.Context, window time.Time) (int64, error)
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	state   State
	windows map[int64]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[int64]int64)}
}

// GetState implements Store.
func (m *MemoryStore) GetState(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// SetState implements Store.
func (m *MemoryStore) SetState(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// IncrWindow implements Store. Counters of past windows are discarded.
func (m *MemoryStore) IncrWindow(ctx context.Context, window time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := window.Unix()
	for k := range m.windows {
		if k < key {
			delete(m.windows, k)
		}
	}
	m.windows[key]++
	return m.windows[key], nil
}

// RedisStore keeps state in Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a store backed by the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

// GetState implements Store. A missing state yields the zero State.
func (r *RedisStore) GetState(ctx context.Context) (State, error) {
	vals, err := r.redis.MGet(ctx, RedisKeyLimit, RedisKeyRemaining, RedisKeyResetTimestamp, RedisKeyLastUpdate).Result()
	if err != nil {
		return State{}, fmt.Errorf("get rate limit state: %w", err)
	}
	if vals[1] == nil {
		return State{}, nil
	}

	limit, err := redisInt(vals[0])
	if err != nil {
		return State{}, fmt.Errorf("parse limit: %w", err)
	}
	remaining, err := redisInt(vals[1])
	if err != nil {
		return State{}, fmt.Errorf("parse remaining: %w", err)
	}
	reset, err := redisInt(vals[2])
	if err != nil {
		return State{}, fmt.Errorf("parse reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	if s, ok := vals[3].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &lastUpdate); err != nil {
			return State{}, fmt.Errorf("parse last update: %w", err)
		}
	}

	return State{
		Limit:      int(limit),
		Remaining:  int(remaining),
		ResetAt:    time.Unix(reset, 0),
		LastUpdate: lastUpdate,
		Known:      true,
	}, nil
}

// SetState implements Store. Keys expire shortly after the window resets.
func (r *RedisStore) SetState(ctx context.Context, s State) error {
	lastUpdate, err := json.Marshal(s.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	ttl := time.Until(s.ResetAt) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, RedisKeyLimit, s.Limit, ttl)
	pipe.Set(ctx, RedisKeyRemaining, s.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetTimestamp, s.ResetAt.Unix(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdate, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// IncrWindow implements Store with INCR and EXPIRE in one transaction.
func (r *RedisStore) IncrWindow(ctx context.Context, window time.Time) (int64, error) {
	key := RedisKeyWindowPrefix + strconv.FormatInt(window.Unix(), 10)

	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment request window: %w", err)
	}
	return incr.Val(), nil
}

func redisInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	default:
		return 0, errors.New("unexpected redis value type")
	}
}
