package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercounsel/pkg/session"
)

const (
	maxTxRetries     = 16
	relayReadBlock   = 200 * time.Millisecond // bounds how long Close waits on a blocked XREAD
	relayReadCount   = 64
	relayRetryDelay  = 250 * time.Millisecond
	candidateField   = "candidate"
	instantOpenSet   = "instant:open"
	instantChannel   = "instant:events"
	sessionKeyFormat = "%s:sessions:%s"
)

// RedisStore persists session documents in Redis.
//
// Layout under the prefix:
//   - sessions:<id>               hash, one JSON value per document field plus "version"
//   - sessions:<id>:messages      list of JSON chat entries
//   - sessions:<id>:<relay>       stream of trickled candidates
//   - sessions:<id>:changes       pub/sub channel, payload is the new version
//   - instant:open / instant:events  claimable instant ids and their change channel
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore builds a store scoped under the provided prefix (e.g., "peercounsel").
func NewRedisStore(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "peercounsel"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, prefix: p, logger: logger.Named("sessionstore")}
}

func (s *RedisStore) docKey(id string) string {
	return fmt.Sprintf(sessionKeyFormat, s.prefix, id)
}

func (s *RedisStore) messagesKey(id string) string { return s.docKey(id) + ":messages" }

func (s *RedisStore) changesKey(id string) string { return s.docKey(id) + ":changes" }

func (s *RedisStore) relayKey(id string, relay session.Relay) string {
	return s.docKey(id) + ":" + string(relay)
}

func (s *RedisStore) instantSetKey() string { return s.prefix + ":" + instantOpenSet }

func (s *RedisStore) instantChannelKey() string { return s.prefix + ":" + instantChannel }

func toArgs(vals map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		out[k] = v
	}
	return out
}

func (s *RedisStore) Create(ctx context.Context, cs *session.CallSession) error {
	enc, err := session.Encode(cs)
	if err != nil {
		return err
	}
	key := s.docKey(cs.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toArgs(enc))
			pipe.HSet(ctx, key, session.FieldVersion, 1)
			for _, m := range cs.Messages {
				b, err := json.Marshal(m)
				if err != nil {
					return err
				}
				pipe.RPush(ctx, s.messagesKey(cs.ID), b)
			}
			if cs.Type == session.TypeInstant {
				if cs.Claimable() {
					pipe.SAdd(ctx, s.instantSetKey(), cs.ID)
				}
				pipe.Publish(ctx, s.instantChannelKey(), cs.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrExists
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*session.CallSession, error) {
	pipe := s.rdb.Pipeline()
	docCmd := pipe.HGetAll(ctx, s.docKey(id))
	msgCmd := pipe.LRange(ctx, s.messagesKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	vals := docCmd.Val()
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	msgs, err := decodeMessages(msgCmd.Val())
	if err != nil {
		return nil, err
	}
	return session.Decode(vals, msgs)
}

func decodeMessages(raw []string) ([]session.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]session.Message, 0, len(raw))
	for _, r := range raw {
		var m session.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fields session.Fields) error {
	_, err := s.ConditionalUpdate(ctx, id, nil, fields)
	return err
}

// ConditionalUpdate uses WATCH/MULTI: the predicate is evaluated against the
// watched document and EXEC aborts if anything touched it in between, in which
// case the read and the predicate are retried.
func (s *RedisStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, fields session.Fields) (bool, error) {
	enc, err := session.EncodeFields(fields)
	if err != nil {
		return false, err
	}
	key := s.docKey(id)
	applied := false
	txf := func(tx *redis.Tx) error {
		applied = false
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		cur, err := session.Decode(vals, nil)
		if err != nil {
			return err
		}
		if pred != nil && !pred(cur) {
			return nil
		}
		next, err := session.Decode(mergeFields(vals, enc), nil)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toArgs(enc))
			pipe.HIncrBy(ctx, key, session.FieldVersion, 1)
			pipe.Publish(ctx, s.changesKey(id), strconv.FormatInt(cur.Version+1, 10))
			if next.Type == session.TypeInstant {
				if next.Claimable() {
					pipe.SAdd(ctx, s.instantSetKey(), id)
				} else {
					pipe.SRem(ctx, s.instantSetKey(), id)
				}
				pipe.Publish(ctx, s.instantChannelKey(), id)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return applied, nil
	}
	return false, fmt.Errorf("conditional update %s: %w", id, err)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	delCmd := pipe.Del(ctx, s.docKey(id))
	pipe.Del(ctx, s.messagesKey(id), s.relayKey(id, session.RelayOfferer), s.relayKey(id, session.RelayAnswerer))
	pipe.SRem(ctx, s.instantSetKey(), id)
	pipe.Publish(ctx, s.changesKey(id), "deleted")
	pipe.Publish(ctx, s.instantChannelKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg session.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := s.docKey(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.messagesKey(id), b)
			pipe.HIncrBy(ctx, key, session.FieldVersion, 1)
			pipe.Publish(ctx, s.changesKey(id), "message")
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Subscribe(ctx context.Context, id string) (*Subscription[Event], error) {
	ps := s.rdb.Subscribe(ctx, s.changesKey(id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	first, err := s.Get(ctx, id)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := newSubscription[Event](ctx)
	sub.run(func(ctx context.Context, emit func(Event) bool) {
		defer ps.Close()
		last := first.Version
		if !emit(Event{SessionID: id, Session: first}) {
			return
		}
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
			}
			cur, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				emit(Event{SessionID: id, Deleted: true})
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("session snapshot failed", zap.String("session_id", id), zap.Error(err))
				}
				continue
			}
			if cur.Version <= last {
				continue
			}
			last = cur.Version
			if !emit(Event{SessionID: id, Session: cur}) {
				return
			}
		}
	})
	return sub, nil
}

func (s *RedisStore) AppendCandidate(ctx context.Context, id string, relay session.Relay, c session.Candidate) error {
	n, err := s.rdb.Exists(ctx, s.docKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.relayKey(id, relay),
		Values: map[string]interface{}{candidateField: string(b)},
	}).Err()
}

// SubscribeCandidates tails the relay stream with XREAD; the stream id of the
// last delivered entry is the cursor, so nothing is replayed.
func (s *RedisStore) SubscribeCandidates(ctx context.Context, id string, relay session.Relay, after string) (*Subscription[session.RelayEntry], error) {
	n, err := s.rdb.Exists(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	key := s.relayKey(id, relay)
	cursor := after
	if cursor == "" {
		cursor = "0"
	}

	sub := newSubscription[session.RelayEntry](ctx)
	sub.run(func(ctx context.Context, emit func(session.RelayEntry) bool) {
		for ctx.Err() == nil {
			streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, cursor},
				Count:   relayReadCount,
				Block:   relayReadBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("relay read failed", zap.String("session_id", id), zap.String("relay", string(relay)), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(relayRetryDelay):
				}
				continue
			}
			for _, st := range streams {
				for _, msg := range st.Messages {
					cursor = msg.ID
					raw, _ := msg.Values[candidateField].(string)
					var c session.Candidate
					if err := json.Unmarshal([]byte(raw), &c); err != nil {
						s.logger.Warn("skipping malformed candidate", zap.String("session_id", id), zap.String("entry", msg.ID), zap.Error(err))
						continue
					}
					if !emit(session.RelayEntry{ID: msg.ID, Candidate: c}) {
						return
					}
				}
			}
		}
	})
	return sub, nil
}

func (s *RedisStore) WatchInstant(ctx context.Context) (*Subscription[Event], error) {
	ps := s.rdb.Subscribe(ctx, s.instantChannelKey())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	open, err := s.rdb.SMembers(ctx, s.instantSetKey()).Result()
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := newSubscription[Event](ctx)
	sub.run(func(ctx context.Context, emit func(Event) bool) {
		defer ps.Close()
		deliver := func(id string) bool {
			ev := Event{SessionID: id}
			cur, err := s.Get(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				ev.Deleted = true
			case err != nil:
				s.logger.Warn("instant snapshot failed", zap.String("session_id", id), zap.Error(err))
				return true
			default:
				ev.Session = cur
			}
			return emit(ev)
		}
		for _, id := range open {
			if !deliver(id) {
				return
			}
		}
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !deliver(msg.Payload) {
					return
				}
			}
		}
	})
	return sub, nil
}
