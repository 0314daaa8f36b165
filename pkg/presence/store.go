package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the counselor's advertised state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInSession Status = "in_session"
	StatusOffline   Status = "offline"
)

// ErrNotFound is returned for a counselor that never reported presence.
var ErrNotFound = errors.New("presence not found")

// Availability is one counselor's last reported presence.
type Availability struct {
	CounselorID string    `json:"counselorId"`
	Status      Status    `json:"status"`
	IsAvailable bool      `json:"isAvailable"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store tracks counselor availability.
type Store interface {
	Reset(ctx context.Context) error
	SetAvailability(ctx context.Context, counselorID string, status Status, isAvailable bool) error
	Availability(ctx context.Context, counselorID string) (*Availability, error)
	// Available lists counselors currently accepting instant requests.
	Available(ctx context.Context) ([]string, error)
}

// RedisStore implements Store with a hash of JSON records and a set of
// available counselor ids.
type RedisStore struct {
	rdb          *redis.Client
	keyPresence  string
	keyAvailable string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "peercounsel").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "peercounsel"
	}
	return &RedisStore{
		rdb:          rdb,
		keyPresence:  fmt.Sprintf("%s:presence", p),
		keyAvailable: fmt.Sprintf("%s:presence:available", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPresence, s.keyAvailable).Err()
}

func (s *RedisStore) SetAvailability(ctx context.Context, counselorID string, status Status, isAvailable bool) error {
	counselorID = strings.TrimSpace(counselorID)
	if counselorID == "" {
		return errors.New("presence: empty counselor id")
	}
	raw, err := json.Marshal(Availability{
		CounselorID: counselorID,
		Status:      status,
		IsAvailable: isAvailable,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyPresence, counselorID, raw)
		if isAvailable {
			pipe.SAdd(ctx, s.keyAvailable, counselorID)
		} else {
			pipe.SRem(ctx, s.keyAvailable, counselorID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Availability(ctx context.Context, counselorID string) (*Availability, error) {
	raw, err := s.rdb.HGet(ctx, s.keyPresence, counselorID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Availability
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("presence: decode %s: %w", counselorID, err)
	}
	return &a, nil
}

func (s *RedisStore) Available(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyAvailable).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	return vals, nil
}

// MemoryStore is an in-process Store for single-process runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Availability
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Availability)}
}

func (m *MemoryStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.records = make(map[string]Availability)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetAvailability(ctx context.Context, counselorID string, status Status, isAvailable bool) error {
	if strings.TrimSpace(counselorID) == "" {
		return errors.New("presence: empty counselor id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[counselorID] = Availability{
		CounselorID: counselorID,
		Status:      status,
		IsAvailable: isAvailable,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) Availability(ctx context.Context, counselorID string) (*Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.records[counselorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) Available(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, a := range m.records {
		if a.IsAvailable {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
