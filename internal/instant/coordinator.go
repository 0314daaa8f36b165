package instant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercounsel/internal/errs"
	"peercounsel/internal/metrics"
	"peercounsel/pkg/presence"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

// ReasonUnclaimed is written to errorDetails when a request times out.
const ReasonUnclaimed = "unclaimed"

// Availability is the slice of the presence service a claim updates.
type Availability interface {
	SetAvailability(ctx context.Context, counselorID string, status presence.Status, isAvailable bool) error
}

// Options configures a Coordinator.
type Options struct {
	Store    sessionstore.Store
	Presence Availability
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// Coordinator runs the instant-session claim race.
type Coordinator struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{opts: opts, logger: opts.Logger.Named("instant")}
}

// Request opens an instant session for the client, visible to every watcher.
func (c *Coordinator) Request(ctx context.Context, clientID string) (*session.CallSession, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errors.New("instant: empty client id")
	}
	now := c.opts.Now().UTC()
	s := &session.CallSession{
		ID:        c.opts.NewID(),
		Type:      session.TypeInstant,
		ClientID:  clientID,
		Status:    session.StatusWaitingForCounselor,
		CreatedAt: &now,
	}
	if err := c.opts.Store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create instant session: %w", err)
	}
	c.logger.Info("instant session requested", zap.String("session_id", s.ID), zap.String("client_id", clientID))
	return c.opts.Store.Get(ctx, s.ID)
}

// Claim tries to take the request for counselorID. Exactly one concurrent
// claim wins; losing is reported as false with a nil error.
func (c *Coordinator) Claim(ctx context.Context, sessionID, counselorID string) (bool, error) {
	if strings.TrimSpace(counselorID) == "" {
		return false, errors.New("instant: empty counselor id")
	}
	won, err := c.opts.Store.ConditionalUpdate(ctx, sessionID, func(s *session.CallSession) bool {
		return s.Claimable()
	}, session.Fields{
		session.FieldCounselorID: counselorID,
		session.FieldStatus:      session.StatusActive,
		session.FieldAcceptedAt:  c.opts.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	logger := c.logger.With(zap.String("session_id", sessionID), zap.String("counselor_id", counselorID))
	if !won {
		c.opts.Metrics.InstantClaim("lost")
		logger.Debug("claim lost")
		return false, nil
	}
	c.opts.Metrics.InstantClaim("won")
	logger.Info("instant session claimed")
	if c.opts.Presence != nil {
		if err := c.opts.Presence.SetAvailability(ctx, counselorID, presence.StatusInSession, false); err != nil {
			logger.Warn("set availability failed", zap.Error(err))
		}
	}
	return true, nil
}

// Reject records that counselorID declined. The request stays claimable
// by everyone else.
func (c *Coordinator) Reject(ctx context.Context, sessionID, counselorID string) error {
	ok, err := c.opts.Store.ConditionalUpdate(ctx, sessionID, func(s *session.CallSession) bool {
		return s.Claimable()
	}, session.Fields{
		session.FieldStatus:     session.StatusRejected,
		session.FieldRejectedBy: counselorID,
		session.FieldRejectedAt: c.opts.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotClaimable
	}
	c.opts.Metrics.InstantClaim("rejected")
	c.logger.Info("instant session rejected", zap.String("session_id", sessionID), zap.String("counselor_id", counselorID))
	return nil
}

// AwaitClaim waits until a counselor claims the request. On timeout the
// request is closed with status error and ErrUnclaimed is returned; a claim
// racing the timeout still wins.
func (c *Coordinator) AwaitClaim(ctx context.Context, sessionID string, timeout time.Duration) (*session.CallSession, error) {
	sub, err := c.opts.Store.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return c.expire(ctx, sessionID)
		case ev, ok := <-sub.C():
			if !ok {
				return nil, errs.ErrSessionClosed
			}
			if ev.Deleted {
				return nil, sessionstore.ErrNotFound
			}
			s := ev.Session
			switch {
			case s.CounselorID != "" && s.Status == session.StatusActive:
				return s, nil
			case s.Status.Terminal():
				return nil, errs.ErrSessionClosed
			}
		}
	}
}

func (c *Coordinator) expire(ctx context.Context, sessionID string) (*session.CallSession, error) {
	closed, err := c.opts.Store.ConditionalUpdate(ctx, sessionID, func(s *session.CallSession) bool {
		return s.Claimable()
	}, session.Fields{
		session.FieldStatus: session.StatusError,
		session.FieldErrorDetails: &session.ErrorDetails{
			Reason: ReasonUnclaimed,
			At:     c.opts.Now().UTC(),
		},
	})
	if err != nil {
		return nil, err
	}
	if closed {
		c.opts.Metrics.InstantClaim("unclaimed")
		c.logger.Info("instant session unclaimed", zap.String("session_id", sessionID))
		return nil, errs.ErrUnclaimed
	}
	s, err := c.opts.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.CounselorID != "" {
		return s, nil
	}
	return nil, errs.ErrUnclaimed
}
