package instant

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

// UpdateKind says whether a request appeared or went away for a watcher.
type UpdateKind string

const (
	Offered   UpdateKind = "offered"
	Withdrawn UpdateKind = "withdrawn"
)

// Update is one change in the set of requests a counselor may claim.
// Session is nil when the request was deleted.
type Update struct {
	Kind      UpdateKind
	SessionID string
	Session   *session.CallSession
}

// Watcher is one counselor's view of the open instant requests. Requests
// that stop being claimable (claimed by anyone, rejected by this counselor,
// closed or deleted) are withdrawn without any write.
type Watcher struct {
	counselorID string
	logger      *zap.Logger
	sub         *sessionstore.Subscription[sessionstore.Event]
	ch          chan Update
	done        chan struct{}
	once        sync.Once
	cancel      context.CancelFunc
}

// Watch starts observing instant requests for counselorID. Close must be
// called to release the subscription.
func (c *Coordinator) Watch(ctx context.Context, counselorID string) (*Watcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := c.opts.Store.WatchInstant(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	w := &Watcher{
		counselorID: counselorID,
		logger:      c.logger.With(zap.String("counselor_id", counselorID)),
		sub:         sub,
		ch:          make(chan Update, 16),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.ch)
	offered := make(map[string]bool)
	declined := make(map[string]bool)

	for ev := range w.sub.C() {
		var u *Update
		switch {
		case ev.Deleted:
			if offered[ev.SessionID] {
				delete(offered, ev.SessionID)
				u = &Update{Kind: Withdrawn, SessionID: ev.SessionID}
			}
			delete(declined, ev.SessionID)
		default:
			s := ev.Session
			if s.Status == session.StatusRejected && s.RejectedBy == w.counselorID {
				declined[s.ID] = true
			}
			visible := s.Claimable() && !declined[s.ID]
			switch {
			case visible && !offered[s.ID]:
				offered[s.ID] = true
				u = &Update{Kind: Offered, SessionID: s.ID, Session: s}
			case !visible && offered[s.ID]:
				delete(offered, s.ID)
				u = &Update{Kind: Withdrawn, SessionID: s.ID, Session: s}
			}
		}
		if u == nil {
			continue
		}
		select {
		case w.ch <- *u:
		case <-ctx.Done():
			return
		}
	}
}

// C delivers offered and withdrawn requests. It is closed after Close.
func (w *Watcher) C() <-chan Update { return w.ch }

// Close unsubscribes and waits for the watcher to stop.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.cancel()
		w.sub.Close()
		<-w.done
		w.logger.Debug("instant watch closed")
	})
}
