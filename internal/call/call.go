package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"peercounsel/internal/control"
	"peercounsel/internal/errs"
	"peercounsel/internal/health"
	"peercounsel/internal/metrics"
	"peercounsel/internal/mute"
	"peercounsel/internal/negotiator"
	"peercounsel/pkg/presence"
	"peercounsel/pkg/rtc"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

// HistoryRecorder receives the summary of a session the counselor ended.
type HistoryRecorder interface {
	RecordCompletedSession(ctx context.Context, r session.Record) error
}

// Deps are the collaborators shared by every call in the process.
type Deps struct {
	Store        sessionstore.Store
	Presence     health.Availability
	History      HistoryRecorder
	NewTransport func() (rtc.Transport, error)
	Capturer     rtc.Capturer
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Options are per-call settings.
type Options struct {
	SessionID string
	LocalID   string
	// Media lists the capture kinds to send; nil means audio and video.
	Media           []rtc.Kind
	AnswerTimeout   time.Duration
	DisconnectGrace time.Duration
	ReplaceTrack    string
	Validate        negotiator.Validator
}

// Call is one side of a live session.
type Call struct {
	id          string
	localID     string
	participant session.Participant
	deps        Deps
	logger      *zap.Logger

	transport rtc.Transport
	monitor   *health.Monitor
	neg       *negotiator.Negotiator
	control   *control.Channel
	mute      *mute.Controller
	tracks    []rtc.Track

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	endOnce sync.Once
	endErr  error
}

// Join enters the session as whichever participant localID is on the
// document and starts negotiating. ctx bounds the lifetime of the call.
func Join(ctx context.Context, deps Deps, opts Options) (*Call, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	doc, err := deps.Store.Get(ctx, opts.SessionID)
	if err != nil {
		return nil, err
	}
	participant, ok := doc.ParticipantOf(opts.LocalID)
	if !ok {
		return nil, errs.ErrNotParticipant
	}
	if doc.Status.Terminal() {
		return nil, errs.ErrSessionClosed
	}

	transport, err := deps.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("new transport: %w", err)
	}

	c := &Call{
		id:          opts.SessionID,
		localID:     opts.LocalID,
		participant: participant,
		deps:        deps,
		transport:   transport,
		logger: deps.Logger.Named("call").With(
			zap.String("session_id", opts.SessionID),
			zap.String("participant", string(participant)),
		),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.monitor = health.New(health.Options{
		SessionID:   opts.SessionID,
		LocalID:     opts.LocalID,
		Participant: participant,
		Grace:       opts.DisconnectGrace,
		Store:       deps.Store,
		Presence:    deps.Presence,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
	})
	c.monitor.AddCleanup("subscriptions", c.cancelSubscriptions)
	c.monitor.AddCleanup("media", c.stopMedia)
	c.monitor.AddCleanup("control", c.closeControl)
	c.monitor.AddCleanup("transport", transport.Close)
	c.monitor.Attach(transport)

	if err := c.setup(ctx, opts); err != nil {
		c.monitor.Recover(health.ReasonTransport, err)
		<-c.monitor.Done()
		return nil, err
	}
	c.logger.Info("joined call", zap.String("side", string(c.neg.Side())))
	return c, nil
}

func (c *Call) setup(ctx context.Context, opts Options) error {
	ch, err := c.transport.ControlChannel()
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	c.control = control.New(ch, control.Options{
		SessionID:   c.id,
		Participant: c.participant,
		OnEnd:       func() { c.monitor.Recover(health.ReasonEndSignal, nil) },
		Logger:      c.deps.Logger,
	})

	kinds := opts.Media
	if kinds == nil {
		kinds = []rtc.Kind{rtc.KindAudio, rtc.KindVideo}
	}
	var audio, video rtc.Track
	for _, kind := range kinds {
		track, err := c.deps.Capturer.Acquire(ctx, kind)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", kind, err)
		}
		c.tracks = append(c.tracks, track)
		if kind == rtc.KindAudio {
			audio = track
		} else {
			video = track
		}
	}

	c.neg = negotiator.New(negotiator.Options{
		SessionID:     c.id,
		LocalID:       c.localID,
		Store:         c.deps.Store,
		Transport:     c.transport,
		Tracks:        c.tracks,
		AnswerTimeout: opts.AnswerTimeout,
		Validate:      opts.Validate,
		OnFailure:     c.monitor.Recover,
		Metrics:       c.deps.Metrics,
		Logger:        c.deps.Logger,
	})
	c.monitor.OnConnected(c.neg.MarkConnected)

	sub, err := c.deps.Store.Subscribe(c.ctx, c.id)
	if err != nil {
		return fmt.Errorf("watch session: %w", err)
	}
	c.wg.Add(1)
	go c.watch(sub)

	if _, err := c.neg.Start(c.ctx); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	c.mute = mute.New(mute.Options{
		SessionID:    c.id,
		Transport:    c.transport,
		Capturer:     c.deps.Capturer,
		Renegotiator: c.neg,
		Audio:        audio,
		Video:        video,
		Replace:      opts.ReplaceTrack,
		Logger:       c.deps.Logger,
	})

	if c.participant == session.ParticipantCounselor && c.deps.Presence != nil {
		if err := c.deps.Presence.SetAvailability(ctx, c.localID, presence.StatusInSession, false); err != nil {
			c.logger.Warn("set availability failed", zap.Error(err))
		}
	}
	return nil
}

// watch tears the call down when the other side ends, fails or deletes
// the session.
func (c *Call) watch(sub *sessionstore.Subscription[sessionstore.Event]) {
	defer c.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch {
			case ev.Deleted:
				c.monitor.Recover(health.ReasonRemoteDeleted, nil)
				return
			case ev.Session.Status == session.StatusEnded:
				c.monitor.Recover(health.ReasonEnded, nil)
				return
			case ev.Session.Status == session.StatusError:
				d := ev.Session.ErrorDetails
				if d != nil && d.By == c.localID {
					// Written by our own failure path, which is already recovering.
					continue
				}
				var cause error
				if d != nil {
					cause = fmt.Errorf("%s: %s", d.Reason, d.Message)
				}
				c.monitor.Recover(health.ReasonRemoteError, cause)
				return
			}
		}
	}
}

func (c *Call) cancelSubscriptions() error {
	c.cancel()
	if c.neg != nil {
		c.neg.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Call) stopMedia() error {
	if c.mute != nil {
		c.mute.Stop()
	}
	for _, t := range c.tracks {
		t.Stop()
	}
	return nil
}

func (c *Call) closeControl() error {
	if c.control == nil {
		return nil
	}
	return c.control.Close()
}

// End finishes the session. Only the counselor may end: it signals the
// client over the control channel, writes status ended with the end time,
// records the session once and tears down locally.
func (c *Call) End(ctx context.Context, notes string) error {
	if c.participant != session.ParticipantCounselor {
		return errs.ErrNotCounselor
	}
	c.endOnce.Do(func() {
		c.endErr = c.end(ctx, notes)
	})
	return c.endErr
}

func (c *Call) end(ctx context.Context, notes string) error {
	if err := c.control.SendEnd(); err != nil {
		c.logger.Info("end signal not delivered, relying on the document", zap.Error(err))
	}

	now := time.Now().UTC()
	ended, err := c.deps.Store.ConditionalUpdate(ctx, c.id, func(s *session.CallSession) bool {
		return !s.Status.Terminal()
	}, session.Fields{
		session.FieldStatus:  session.StatusEnded,
		session.FieldEndTime: now,
	})
	if err != nil {
		c.monitor.Recover(health.ReasonHangup, err)
		<-c.monitor.Done()
		return fmt.Errorf("end session: %w", err)
	}

	if ended && c.deps.History != nil {
		doc, err := c.deps.Store.Get(ctx, c.id)
		if err == nil {
			err = c.deps.History.RecordCompletedSession(ctx, session.RecordOf(doc, notes))
		}
		if err != nil {
			c.logger.Warn("record session failed", zap.Error(err))
		}
	}

	c.monitor.Recover(health.ReasonEnded, nil)
	return c.Wait(ctx)
}

// Leave exits locally. It never writes ended.
func (c *Call) Leave(ctx context.Context) error {
	c.monitor.Recover(health.ReasonHangup, nil)
	return c.Wait(ctx)
}

// Wait blocks until teardown finished and returns its aggregated errors.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.monitor.Done():
		return c.monitor.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage appends a chat entry to the session.
func (c *Call) SendMessage(ctx context.Context, text string) error {
	return c.deps.Store.AppendMessage(ctx, c.id, session.Message{
		SenderID: c.localID,
		Text:     text,
		SentAt:   time.Now().UTC(),
	})
}

// Done is closed when the call has been torn down.
func (c *Call) Done() <-chan struct{} { return c.monitor.Done() }

// Reason says why the call was torn down.
func (c *Call) Reason() health.Reason { return c.monitor.Reason() }

func (c *Call) Participant() session.Participant { return c.participant }

func (c *Call) Side() session.Side { return c.neg.Side() }

// Mute exposes the track mute controller.
func (c *Call) Mute() *mute.Controller { return c.mute }

// State is the monitored transport state.
func (c *Call) State() rtc.ConnectionState { return c.monitor.State() }
