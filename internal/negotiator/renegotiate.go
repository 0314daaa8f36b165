package negotiator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"peercounsel/internal/errs"
	"peercounsel/pkg/session"
)

// Renegotiate runs one in-call offer/answer round after the local track set
// changed. Rounds live in the renegotiation field so the initial offer and
// answer stay write-once. It returns when the remote answer is applied.
func (n *Negotiator) Renegotiate(ctx context.Context) error {
	n.mu.Lock()
	if !n.remoteSet || n.failed || n.renegResult != nil {
		n.mu.Unlock()
		return errs.ErrNegotiationBusy
	}
	result := make(chan error, 1)
	n.renegResult = result
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.renegResult = nil
		n.mu.Unlock()
	}()

	cur, err := n.opts.Store.Get(ctx, n.opts.SessionID)
	if err != nil {
		return err
	}
	round := 1
	if cur.Renegotiation != nil {
		round = cur.Renegotiation.Round + 1
	}
	claim := &session.Renegotiation{Round: round, From: n.opts.LocalID}
	ok, err := n.opts.Store.ConditionalUpdate(ctx, n.opts.SessionID, func(s *session.CallSession) bool {
		r := s.Renegotiation
		if r == nil {
			return round == 1
		}
		// An unanswered round of our own may be superseded.
		return r.Round == round-1 && (r.Answer != nil || r.From == n.opts.LocalID)
	}, session.Fields{session.FieldRenegotiation: claim})
	if err != nil {
		return fmt.Errorf("claim renegotiation round: %w", err)
	}
	if !ok {
		return errs.ErrNegotiationBusy
	}

	n.mu.Lock()
	n.renegRound = round
	n.mu.Unlock()

	offer, err := n.opts.Transport.CreateOffer()
	if err != nil {
		return fmt.Errorf("renegotiation offer: %w", err)
	}
	claim.Offer = &offer
	if _, err := n.opts.Store.ConditionalUpdate(ctx, n.opts.SessionID, func(s *session.CallSession) bool {
		r := s.Renegotiation
		return r != nil && r.Round == round && r.From == n.opts.LocalID
	}, session.Fields{session.FieldRenegotiation: claim}); err != nil {
		return fmt.Errorf("write renegotiation offer: %w", err)
	}
	n.opts.Metrics.Renegotiation()
	n.logger.Info("renegotiation offered", zap.Int("round", round))

	timer := time.NewTimer(n.opts.AnswerTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return errs.ErrAnswerTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return errs.ErrSessionClosed
	}
}

func (n *Negotiator) handleRenegotiation(doc *session.CallSession) {
	r := doc.Renegotiation
	if r == nil || r.Offer == nil {
		return
	}
	if r.From != n.opts.LocalID {
		n.answerRenegotiation(*r)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if r.Round != n.renegRound || r.Answer == nil || n.renegResult == nil {
		return
	}
	var err error
	if err = n.opts.Transport.SetRemoteDescription(*r.Answer); err != nil {
		err = fmt.Errorf("apply renegotiation answer: %w", err)
	}
	// Buffered, so later notifications for the same round are dropped here.
	select {
	case n.renegResult <- err:
	default:
	}
	n.renegRound = 0
}

func (n *Negotiator) answerRenegotiation(r session.Renegotiation) {
	n.mu.Lock()
	if !n.remoteSet || r.Answer != nil || r.Round <= n.renegAnswered {
		n.mu.Unlock()
		return
	}
	n.renegAnswered = r.Round
	if err := n.opts.Transport.SetRemoteDescription(*r.Offer); err != nil {
		n.mu.Unlock()
		n.logger.Warn("renegotiation offer rejected", zap.Int("round", r.Round), zap.Error(err))
		return
	}
	answer, err := n.opts.Transport.CreateAnswer()
	n.mu.Unlock()
	if err != nil {
		n.logger.Warn("renegotiation answer failed", zap.Int("round", r.Round), zap.Error(err))
		return
	}

	r.Answer = &answer
	ok, err := n.opts.Store.ConditionalUpdate(n.ctx, n.opts.SessionID, func(s *session.CallSession) bool {
		cur := s.Renegotiation
		return cur != nil && cur.Round == r.Round && cur.Answer == nil
	}, session.Fields{session.FieldRenegotiation: &r})
	if err != nil {
		n.logger.Warn("write renegotiation answer failed", zap.Error(err))
		return
	}
	if ok {
		n.logger.Info("renegotiation answered", zap.Int("round", r.Round))
	}
}
