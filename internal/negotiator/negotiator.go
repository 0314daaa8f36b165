package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercounsel/internal/errs"
	"peercounsel/internal/health"
	"peercounsel/internal/metrics"
	"peercounsel/pkg/rtc"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

const (
	// DefaultAnswerTimeout bounds the wait for the remote description.
	DefaultAnswerTimeout = 60 * time.Second
	writeTimeout         = 10 * time.Second
)

// Validator checks a remote description of the wanted type before it is applied.
type Validator func(d *session.Description, want string) error

// Options configures a Negotiator.
type Options struct {
	SessionID string
	LocalID   string
	Store     sessionstore.Store
	Transport rtc.Transport
	// Tracks are attached before the local description is created.
	Tracks        []rtc.Track
	AnswerTimeout time.Duration
	// Validate defaults to rtc.ValidateDescription.
	Validate Validator
	// OnFailure runs at most once, on its own goroutine, when the local side
	// has to abort.
	OnFailure func(reason health.Reason, err error)
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Negotiator runs the offer/answer and candidate exchange for one side of
// one session, using the session document as the only channel.
type Negotiator struct {
	opts   Options
	logger *zap.Logger
	side   session.Side

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	docSub   *sessionstore.Subscription[sessionstore.Event]
	relaySub *sessionstore.Subscription[session.RelayEntry]
	poke     chan struct{}

	mu          sync.Mutex
	remoteSet   bool
	failed      bool
	pending     []session.RelayEntry
	lastApplied string
	connected   bool
	activated   bool
	last        *session.CallSession
	timer       *time.Timer

	renegRound    int
	renegResult   chan error
	renegAnswered int

	appendMu  sync.Mutex
	failOnce  sync.Once
	closeOnce sync.Once
}

// New builds a negotiator; Start runs it.
func New(opts Options) *Negotiator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Validate == nil {
		opts.Validate = rtc.ValidateDescription
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = DefaultAnswerTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Negotiator{
		opts:   opts,
		logger: opts.Logger.Named("negotiator").With(zap.String("session_id", opts.SessionID)),
		poke:   make(chan struct{}, 1),
	}
}

// Start reads the document, takes a role and begins the exchange. It
// returns once the role is decided and, for the offerer, the offer is
// written. Everything after that happens on background subscriptions.
func (n *Negotiator) Start(ctx context.Context) (session.Side, error) {
	doc, err := n.opts.Store.Get(ctx, n.opts.SessionID)
	if err != nil {
		return "", err
	}
	if doc.Status.Terminal() {
		return "", errs.ErrSessionClosed
	}
	if doc.Offer != nil && (doc.Answer != nil || doc.OffererID == n.opts.LocalID) {
		return "", errs.ErrAlreadyNegotiated
	}

	side, err := n.decideRole(ctx, doc)
	if err != nil {
		return "", err
	}
	n.side = side
	n.logger = n.logger.With(zap.String("side", string(side)))
	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.setup(); err != nil {
		n.Close()
		return side, err
	}
	n.logger.Info("negotiation started")
	return side, nil
}

func (n *Negotiator) setup() error {
	t := n.opts.Transport
	for _, track := range n.opts.Tracks {
		if _, err := t.AddTrack(track); err != nil {
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}
	t.OnICECandidate(n.publishCandidate)

	var err error
	n.docSub, err = n.opts.Store.Subscribe(n.ctx, n.opts.SessionID)
	if err != nil {
		return fmt.Errorf("subscribe session: %w", err)
	}
	n.relaySub, err = n.opts.Store.SubscribeCandidates(n.ctx, n.opts.SessionID, n.side.RemoteRelay(), "")
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.side.RemoteRelay(), err)
	}

	if n.side == session.SideOfferer {
		offer, err := t.CreateOffer()
		if err != nil {
			return err
		}
		ok, err := n.opts.Store.ConditionalUpdate(n.ctx, n.opts.SessionID, func(s *session.CallSession) bool {
			return s.Offer == nil && s.OffererID == n.opts.LocalID
		}, session.Fields{session.FieldOffer: offer})
		if err != nil {
			return fmt.Errorf("write offer: %w", err)
		}
		if !ok {
			return errs.ErrNegotiationBusy
		}
		n.armTimer(health.ReasonAnswerTimeout, errs.ErrAnswerTimeout)
	} else {
		n.armTimer(health.ReasonMissingOffer, errs.ErrOfferTimeout)
	}

	n.wg.Add(1)
	go n.loop()
	return nil
}

// decideRole makes the first side to claim offererId the offerer.
func (n *Negotiator) decideRole(ctx context.Context, doc *session.CallSession) (session.Side, error) {
	switch {
	case doc.Offer != nil:
		return session.SideAnswerer, nil
	case doc.OffererID == n.opts.LocalID:
		return session.SideOfferer, nil
	case doc.OffererID != "":
		return session.SideAnswerer, nil
	}
	won, err := n.opts.Store.ConditionalUpdate(ctx, n.opts.SessionID, func(s *session.CallSession) bool {
		return s.OffererID == "" && s.Offer == nil
	}, session.Fields{session.FieldOffererID: n.opts.LocalID})
	if err != nil {
		return "", fmt.Errorf("claim offerer role: %w", err)
	}
	if won {
		return session.SideOfferer, nil
	}
	return session.SideAnswerer, nil
}

// Side is the role taken by Start.
func (n *Negotiator) Side() session.Side { return n.side }

func (n *Negotiator) loop() {
	defer n.wg.Done()
	docs := n.docSub.C()
	relay := n.relaySub.C()
	for docs != nil || relay != nil {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-docs:
			if !ok {
				docs = nil
				continue
			}
			if ev.Deleted {
				return
			}
			n.handleDocument(ev.Session)
		case e, ok := <-relay:
			if !ok {
				relay = nil
				continue
			}
			n.HandleRemoteCandidate(e)
		case <-n.poke:
			n.mu.Lock()
			doc := n.last
			n.mu.Unlock()
			n.tryActivate(doc)
		}
	}
}

func (n *Negotiator) handleDocument(doc *session.CallSession) {
	n.mu.Lock()
	n.last = doc
	failed := n.failed
	n.mu.Unlock()
	if failed {
		return
	}

	switch n.side {
	case session.SideOfferer:
		if doc.Answer != nil {
			if _, err := n.ApplyAnswer(*doc.Answer); err != nil {
				reason := health.ReasonTransport
				if errors.Is(err, rtc.ErrMalformedDescription) {
					reason = health.ReasonMalformed
				}
				n.fail(reason, err)
				return
			}
		}
	case session.SideAnswerer:
		if doc.Offer != nil {
			n.answer(*doc.Offer)
		}
	}
	n.handleRenegotiation(doc)
	n.tryActivate(doc)
}

// ApplyAnswer installs the remote answer. Only the first call has an
// effect; later calls report false and no error.
func (n *Negotiator) ApplyAnswer(d session.Description) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remoteSet {
		return false, nil
	}
	if err := n.opts.Validate(&d, "answer"); err != nil {
		return false, err
	}
	if err := n.opts.Transport.SetRemoteDescription(d); err != nil {
		return false, fmt.Errorf("apply answer: %w", err)
	}
	n.remoteReadyLocked()
	n.logger.Info("answer applied")
	return true, nil
}

func (n *Negotiator) answer(offer session.Description) {
	n.mu.Lock()
	if n.remoteSet || n.failed {
		n.mu.Unlock()
		return
	}
	if err := n.opts.Validate(&offer, "offer"); err != nil {
		n.mu.Unlock()
		n.fail(health.ReasonMalformed, err)
		return
	}
	if err := n.opts.Transport.SetRemoteDescription(offer); err != nil {
		n.mu.Unlock()
		n.fail(health.ReasonTransport, fmt.Errorf("apply offer: %w", err))
		return
	}
	n.remoteReadyLocked()
	n.mu.Unlock()

	answer, err := n.opts.Transport.CreateAnswer()
	if err != nil {
		n.fail(health.ReasonTransport, err)
		return
	}
	ok, err := n.opts.Store.ConditionalUpdate(n.ctx, n.opts.SessionID, func(s *session.CallSession) bool {
		return s.Answer == nil
	}, session.Fields{session.FieldAnswer: answer})
	if err != nil {
		n.fail(health.ReasonTransport, fmt.Errorf("write answer: %w", err))
		return
	}
	if !ok {
		n.logger.Warn("answer already present, keeping the stored one")
		return
	}
	n.logger.Info("answer written")
}

// remoteReadyLocked marks the remote description applied and replays
// buffered candidates in arrival order.
func (n *Negotiator) remoteReadyLocked() {
	n.remoteSet = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	pending := n.pending
	n.pending = nil
	for _, e := range pending {
		n.applyLocked(e)
	}
	n.opts.Metrics.Negotiation(string(n.side), "ok")
}

// HandleRemoteCandidate applies a relay entry, or buffers it until the
// remote description is set. Entries at or before the last applied one are
// ignored.
func (n *Negotiator) HandleRemoteCandidate(e session.RelayEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !sessionstore.CursorAfter(e.ID, n.lastApplied) {
		return
	}
	if !n.remoteSet {
		for _, p := range n.pending {
			if p.ID == e.ID {
				return
			}
		}
		n.pending = append(n.pending, e)
		return
	}
	n.applyLocked(e)
}

func (n *Negotiator) applyLocked(e session.RelayEntry) {
	if !sessionstore.CursorAfter(e.ID, n.lastApplied) {
		return
	}
	n.lastApplied = e.ID
	if err := n.opts.Transport.AddICECandidate(e.Candidate); err != nil {
		n.logger.Warn("remote candidate rejected", zap.String("entry", e.ID), zap.Error(err))
	}
}

// publishCandidate appends a local candidate to this side's relay as soon
// as it is discovered.
func (n *Negotiator) publishCandidate(c session.Candidate) {
	n.appendMu.Lock()
	defer n.appendMu.Unlock()
	if n.ctx == nil || n.ctx.Err() != nil {
		return
	}
	if err := n.opts.Store.AppendCandidate(n.ctx, n.opts.SessionID, n.side.OwnRelay(), c); err != nil {
		n.logger.Warn("publish candidate failed", zap.Error(err))
	}
}

// MarkConnected records first connectivity; the session is flipped to
// active once both participants are on the document.
func (n *Negotiator) MarkConnected() {
	n.mu.Lock()
	n.connected = true
	n.mu.Unlock()
	select {
	case n.poke <- struct{}{}:
	default:
	}
}

func (n *Negotiator) tryActivate(doc *session.CallSession) {
	n.mu.Lock()
	if !n.connected || n.activated || doc == nil || !doc.HasBothParticipants() {
		n.mu.Unlock()
		return
	}
	n.activated = true
	n.mu.Unlock()
	if doc.StartTime != nil {
		return
	}

	ok, err := n.opts.Store.ConditionalUpdate(n.ctx, n.opts.SessionID, func(s *session.CallSession) bool {
		return s.StartTime == nil && !s.Status.Terminal() && s.HasBothParticipants()
	}, session.Fields{
		session.FieldStatus:    session.StatusActive,
		session.FieldStartTime: n.opts.Now().UTC(),
	})
	if err != nil {
		n.logger.Warn("mark active failed", zap.Error(err))
		return
	}
	if ok {
		n.logger.Info("session active")
	}
}

// Active reports whether the last seen document is active with a start time.
func (n *Negotiator) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last != nil && n.last.Status == session.StatusActive && n.last.StartTime != nil
}

func (n *Negotiator) armTimer(reason health.Reason, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remoteSet {
		return
	}
	n.timer = time.AfterFunc(n.opts.AnswerTimeout, func() {
		n.mu.Lock()
		expired := !n.remoteSet && n.timer != nil
		n.mu.Unlock()
		if expired {
			n.fail(reason, err)
		}
	})
}

// fail forces the session into error and hands the abort to OnFailure.
func (n *Negotiator) fail(reason health.Reason, cause error) {
	n.failOnce.Do(func() {
		n.mu.Lock()
		n.failed = true
		n.mu.Unlock()
		n.opts.Metrics.Negotiation(string(n.side), "error")
		n.logger.Warn("negotiation failed", zap.String("reason", string(reason)), zap.Error(cause))

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		details := &session.ErrorDetails{
			Reason:  string(reason),
			Message: cause.Error(),
			By:      n.opts.LocalID,
			At:      n.opts.Now().UTC(),
		}
		_, err := n.opts.Store.ConditionalUpdate(ctx, n.opts.SessionID, func(s *session.CallSession) bool {
			return !s.Status.Terminal()
		}, session.Fields{
			session.FieldStatus:       session.StatusError,
			session.FieldErrorDetails: details,
		})
		if err != nil && !errors.Is(err, sessionstore.ErrNotFound) {
			n.logger.Warn("write error status failed", zap.Error(err))
		}
		if n.opts.OnFailure != nil {
			go n.opts.OnFailure(reason, cause)
		}
	})
}

// Close cancels the subscriptions and waits for the event loop to exit.
// It does not touch the transport.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		if n.timer != nil {
			n.timer.Stop()
			n.timer = nil
		}
		n.mu.Unlock()
		if n.cancel != nil {
			n.cancel()
		}
		if n.docSub != nil {
			n.docSub.Close()
		}
		if n.relaySub != nil {
			n.relaySub.Close()
		}
		n.wg.Wait()
	})
}
