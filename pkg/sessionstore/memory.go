package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"peercounsel/pkg/session"
)

// MemoryStore is an in-process Store. Every write happens under one lock, so
// conditional updates are trivially atomic. Used by tests and single-process runs.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*memDoc
	watchers map[*instantWatcher]struct{}
	seq      int64
}

type memDoc struct {
	fields    map[string]string
	messages  []session.Message
	version   int64
	instant   bool
	relays    map[session.Relay][]session.RelayEntry
	subs      map[notifier]struct{}
	relaySubs map[notifier]struct{}
}

type instantWatcher struct {
	n       notifier
	pending []string
}

// notifier coalesces wake-ups; the pump re-reads state after each one.
type notifier chan struct{}

func newNotifier() notifier { return make(notifier, 1) }

func (n notifier) poke() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*memDoc),
		watchers: make(map[*instantWatcher]struct{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *session.CallSession) error {
	enc, err := session.Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[s.ID]; ok {
		return ErrExists
	}
	d := &memDoc{
		fields:    enc,
		messages:  append([]session.Message(nil), s.Messages...),
		version:   1,
		instant:   s.Type == session.TypeInstant,
		relays:    make(map[session.Relay][]session.RelayEntry),
		subs:      make(map[notifier]struct{}),
		relaySubs: make(map[notifier]struct{}),
	}
	m.docs[s.ID] = d
	if d.instant {
		m.notifyInstantLocked(s.ID)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*session.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.snapshot()
}

func (d *memDoc) snapshot() (*session.CallSession, error) {
	vals := mergeFields(d.fields, map[string]string{session.FieldVersion: strconv.FormatInt(d.version, 10)})
	return session.Decode(vals, append([]session.Message(nil), d.messages...))
}

func (m *MemoryStore) Update(ctx context.Context, id string, fields session.Fields) error {
	_, err := m.ConditionalUpdate(ctx, id, nil, fields)
	return err
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, pred Predicate, fields session.Fields) (bool, error) {
	enc, err := session.EncodeFields(fields)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return false, ErrNotFound
	}
	if pred != nil {
		cur, err := d.snapshot()
		if err != nil {
			return false, err
		}
		if !pred(cur) {
			return false, nil
		}
	}
	d.fields = mergeFields(d.fields, enc)
	m.changedLocked(id, d)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	for n := range d.subs {
		n.poke()
	}
	for n := range d.relaySubs {
		n.poke()
	}
	if d.instant {
		m.notifyInstantLocked(id)
	}
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.messages = append(d.messages, msg)
	m.changedLocked(id, d)
	return nil
}

func (m *MemoryStore) changedLocked(id string, d *memDoc) {
	d.version++
	for n := range d.subs {
		n.poke()
	}
	if d.instant {
		m.notifyInstantLocked(id)
	}
}

func (m *MemoryStore) notifyInstantLocked(id string) {
	for w := range m.watchers {
		w.pending = append(w.pending, id)
		w.n.poke()
	}
}

func (m *MemoryStore) Subscribe(ctx context.Context, id string) (*Subscription[Event], error) {
	m.mu.Lock()
	d, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	n := newNotifier()
	d.subs[n] = struct{}{}
	m.mu.Unlock()
	n.poke()

	sub := newSubscription[Event](ctx)
	sub.run(func(ctx context.Context, emit func(Event) bool) {
		defer m.unsubscribe(d, n)
		last := int64(-1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-n:
			}
			s, err := m.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				emit(Event{SessionID: id, Deleted: true})
				return
			}
			if err != nil {
				return
			}
			if s.Version <= last {
				continue
			}
			last = s.Version
			if !emit(Event{SessionID: id, Session: s}) {
				return
			}
		}
	})
	return sub, nil
}

func (m *MemoryStore) unsubscribe(d *memDoc, n notifier) {
	m.mu.Lock()
	delete(d.subs, n)
	delete(d.relaySubs, n)
	m.mu.Unlock()
}

func (m *MemoryStore) AppendCandidate(ctx context.Context, id string, relay session.Relay, c session.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	m.seq++
	d.relays[relay] = append(d.relays[relay], session.RelayEntry{
		ID:        fmt.Sprintf("%020d", m.seq),
		Candidate: c,
	})
	for n := range d.relaySubs {
		n.poke()
	}
	return nil
}

func (m *MemoryStore) SubscribeCandidates(ctx context.Context, id string, relay session.Relay, after string) (*Subscription[session.RelayEntry], error) {
	m.mu.Lock()
	d, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	n := newNotifier()
	d.relaySubs[n] = struct{}{}
	m.mu.Unlock()
	n.poke()

	sub := newSubscription[session.RelayEntry](ctx)
	sub.run(func(ctx context.Context, emit func(session.RelayEntry) bool) {
		defer m.unsubscribe(d, n)
		cursor := after
		for {
			select {
			case <-ctx.Done():
				return
			case <-n:
			}
			m.mu.Lock()
			if _, alive := m.docs[id]; !alive {
				m.mu.Unlock()
				return
			}
			var fresh []session.RelayEntry
			for _, e := range d.relays[relay] {
				if e.ID > cursor {
					fresh = append(fresh, e)
				}
			}
			m.mu.Unlock()
			for _, e := range fresh {
				if !emit(e) {
					return
				}
				cursor = e.ID
			}
		}
	})
	return sub, nil
}

func (m *MemoryStore) WatchInstant(ctx context.Context) (*Subscription[Event], error) {
	w := &instantWatcher{n: newNotifier()}
	m.mu.Lock()
	for id, d := range m.docs {
		if !d.instant {
			continue
		}
		s, err := d.snapshot()
		if err == nil && s.Claimable() {
			w.pending = append(w.pending, id)
		}
	}
	m.watchers[w] = struct{}{}
	m.mu.Unlock()
	w.n.poke()

	sub := newSubscription[Event](ctx)
	sub.run(func(ctx context.Context, emit func(Event) bool) {
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.n:
			}
			m.mu.Lock()
			ids := w.pending
			w.pending = nil
			m.mu.Unlock()
			for _, id := range ids {
				ev := Event{SessionID: id}
				s, err := m.Get(ctx, id)
				switch {
				case errors.Is(err, ErrNotFound):
					ev.Deleted = true
				case err != nil:
					continue
				default:
					ev.Session = s
				}
				if !emit(ev) {
					return
				}
			}
		}
	})
	return sub, nil
}
