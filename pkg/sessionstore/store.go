package sessionstore

import (
	"context"
	"errors"
	"sync"

	"peercounsel/pkg/session"
)

var (
	// ErrNotFound is returned when a session document does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when creating a session whose id is taken.
	ErrExists = errors.New("session already exists")
)

// Predicate is evaluated against the current document inside a conditional update.
type Predicate func(*session.CallSession) bool

// Event is a change notification for one session document.
type Event struct {
	SessionID string
	Session   *session.CallSession
	Deleted   bool
}

// Store is the shared document store both peers rendezvous through.
type Store interface {
	Create(ctx context.Context, s *session.CallSession) error
	Get(ctx context.Context, id string) (*session.CallSession, error)
	// Update is last-write-wins.
	Update(ctx context.Context, id string, fields session.Fields) error
	// ConditionalUpdate applies fields only if pred holds on the current
	// document, atomically with respect to every other write.
	ConditionalUpdate(ctx context.Context, id string, pred Predicate, fields session.Fields) (bool, error)
	Delete(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, id string, msg session.Message) error

	// Subscribe delivers the current document first, then every change.
	Subscribe(ctx context.Context, id string) (*Subscription[Event], error)
	AppendCandidate(ctx context.Context, id string, relay session.Relay, c session.Candidate) error
	// SubscribeCandidates delivers relay entries strictly after the cursor.
	// An empty cursor delivers the whole relay.
	SubscribeCandidates(ctx context.Context, id string, relay session.Relay, after string) (*Subscription[session.RelayEntry], error)
	// WatchInstant delivers snapshots of instant sessions that are open when
	// the watch starts and of every instant session created or changed later.
	WatchInstant(ctx context.Context) (*Subscription[Event], error)
}

// Subscription is a stream of values fed by a producer goroutine. Close stops
// the producer and waits for it to exit.
type Subscription[T any] struct {
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

const subscriptionBuffer = 32

func newSubscription[T any](ctx context.Context) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription[T]{
		ch:     make(chan T, subscriptionBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Subscription[T]) run(produce func(ctx context.Context, emit func(T) bool)) {
	go func() {
		defer close(s.done)
		defer close(s.ch)
		produce(s.ctx, s.emit)
	}()
}

func (s *Subscription[T]) emit(v T) bool {
	select {
	case s.ch <- v:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// mergeFields overlays encoded fields on stored ones without mutating either.
func mergeFields(stored, update map[string]string) map[string]string {
	out := make(map[string]string, len(stored)+len(update))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
