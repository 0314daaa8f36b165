package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Profile is what one participant shows to the other during a call.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// ErrNotFound is returned for an unknown participant id.
var ErrNotFound = errors.New("profile not found")

// Store looks up and maintains participant profiles.
type Store interface {
	Profile(ctx context.Context, id string) (*Profile, error)
	SetProfile(ctx context.Context, p Profile) error
	Remove(ctx context.Context, id string) error
}

// RedisStore keeps profiles as JSON values in one Redis hash.
type RedisStore struct {
	rdb         *redis.Client
	keyProfiles string
}

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "peercounsel").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "peercounsel"
	}
	return &RedisStore{
		rdb:         rdb,
		keyProfiles: fmt.Sprintf("%s:profiles", p),
	}
}

func (s *RedisStore) Profile(ctx context.Context, id string) (*Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	raw, err := s.rdb.HGet(ctx, s.keyProfiles, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", id, err)
	}
	return &p, nil
}

// SetProfile stores p. A blank display name removes the profile.
func (s *RedisStore) SetProfile(ctx context.Context, p Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.DisplayName == "" {
		return s.Remove(ctx, p.ID)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.keyProfiles, p.ID, data).Err()
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, s.keyProfiles, id).Err()
}

// CachedStore fronts another Store with an LRU of recent lookups. Misses
// are not cached.
type CachedStore struct {
	next  Store
	cache *lru.Cache[string, Profile]
}

func NewCachedStore(next Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, Profile](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{next: next, cache: cache}, nil
}

func (c *CachedStore) Profile(ctx context.Context, id string) (*Profile, error) {
	if p, ok := c.cache.Get(id); ok {
		return &p, nil
	}
	p, err := c.next.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, *p)
	return p, nil
}

func (c *CachedStore) SetProfile(ctx context.Context, p Profile) error {
	c.cache.Remove(strings.TrimSpace(p.ID))
	return c.next.SetProfile(ctx, p)
}

func (c *CachedStore) Remove(ctx context.Context, id string) error {
	c.cache.Remove(id)
	return c.next.Remove(ctx, id)
}

// Len reports how many profiles are cached.
func (c *CachedStore) Len() int { return c.cache.Len() }

// MemoryStore keeps profiles in process for the single-process backend.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (m *MemoryStore) Profile(ctx context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) SetProfile(ctx context.Context, p Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.DisplayName == "" {
		delete(m.profiles, p.ID)
		return nil
	}
	m.profiles[p.ID] = p
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, id)
	return nil
}
