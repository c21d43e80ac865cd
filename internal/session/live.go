package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreType selects a live-state driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

var (
	// ErrNotFound is returned when updating a session that does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a concurrent writer updated the session first.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrInvalidConfig is returned when a driver is missing required options.
	ErrInvalidConfig = errors.New("invalid live store configuration")
)

// LiveStore holds the in-flight State of every session token.
type LiveStore interface {
	// Get returns the state for token and whether it exists.
	Get(ctx context.Context, token string) (State, bool, error)

	// Put creates or replaces the state. When st.Version is non-zero the
	// stored version must match, and it is incremented on success.
	Put(ctx context.Context, st State) (State, error)

	// Delete removes the state for token.
	Delete(ctx context.Context, token string) error

	// IdleSince returns every state last updated before cutoff.
	IdleSince(ctx context.Context, cutoff time.Time) ([]State, error)

	// Close releases resources.
	Close() error
}

// StoreOption configures a live store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
}

// WithRedisClient sets the Redis client for the Redis driver.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the expiry of Redis keys.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// NewLiveStore creates the live store for storeType.
func NewLiveStore(storeType StoreType, opts ...StoreOption) (LiveStore, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch storeType {
	case StoreTypeMemory, "":
		return &memoryStore{states: make(map[string]State)}, nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := cfg.redisTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		return &redisStore{client: cfg.redisClient, ttl: ttl}, nil
	default:
		return nil, fmt.Errorf("unknown live store %q", storeType)
	}
}

type memoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func (s *memoryStore) Get(_ context.Context, token string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[token]
	if !ok {
		return State{}, false, nil
	}
	return st.clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, st State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.states[st.Token]; ok && st.Version != 0 && stored.Version != st.Version {
		return st, ErrVersionConflict
	}
	out := st.clone()
	out.Version++
	out.UpdatedAt = time.Now()
	s.states[st.Token] = out
	return out.clone(), nil
}

func (s *memoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, token)
	return nil
}

func (s *memoryStore) IdleSince(_ context.Context, cutoff time.Time) ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []State
	for _, st := range s.states {
		if st.UpdatedAt.Before(cutoff) {
			out = append(out, st.clone())
		}
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = make(map[string]State)
	return nil
}

const sessionKeyPrefix = "guide:session:"

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func (s *redisStore) key(token string) string {
	return sessionKeyPrefix + token
}

func (s *redisStore) Get(ctx context.Context, token string) (State, bool, error) {
	key := s.key(token)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}

	var st State
	if err := json.Unmarshal(val, &st); err != nil {
		return State{}, false, fmt.Errorf("decode session %s: %w", token, err)
	}

	// Refresh TTL on read.
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return st.clone(), true, nil
}

func (s *redisStore) Put(ctx context.Context, st State) (State, error) {
	key := s.key(st.Token)
	out := st.clone()

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		case st.Version != 0:
			var stored State
			if err := json.Unmarshal(val, &stored); err != nil {
				return err
			}
			if stored.Version != st.Version {
				return ErrVersionConflict
			}
		}

		out.Version = st.Version + 1
		out.UpdatedAt = time.Now()
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return st, ErrVersionConflict
	}
	if err != nil {
		return st, err
	}
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

func (s *redisStore) IdleSince(ctx context.Context, cutoff time.Time) ([]State, error) {
	var out []State
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st State
		if err := json.Unmarshal(val, &st); err != nil {
			continue
		}
		if st.UpdatedAt.Before(cutoff) {
			out = append(out, st)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
