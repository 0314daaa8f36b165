package control

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"peercounsel/internal/errs"
	"peercounsel/pkg/rtc"
	"peercounsel/pkg/session"
)

// EndSignal is the only message ever sent on the control channel.
const EndSignal = "end"

// State of the control channel.
type State string

const (
	StateUnopened State = "unopened"
	StateOpen     State = "open"
	StateSent     State = "sent"
	StateClosed   State = "closed"
)

// Options configures a Channel.
type Options struct {
	SessionID   string
	Participant session.Participant
	// OnEnd runs once when a client receives the end signal.
	OnEnd  func()
	Logger *zap.Logger
}

// Channel carries the one-way end signal from counselor to client.
type Channel struct {
	ch          rtc.Channel
	participant session.Participant
	onEnd       func()
	logger      *zap.Logger

	mu    sync.Mutex
	state State

	endOnce   sync.Once
	closeOnce sync.Once
}

// New wraps the transport's pre-negotiated control channel.
func New(ch rtc.Channel, opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Channel{
		ch:          ch,
		participant: opts.Participant,
		onEnd:       opts.OnEnd,
		logger: opts.Logger.Named("control").With(
			zap.String("session_id", opts.SessionID),
			zap.String("participant", string(opts.Participant)),
		),
		state: StateUnopened,
	}
	ch.OnOpen(c.opened)
	ch.OnMessage(c.received)
	ch.OnClose(c.closed)
	return c
}

func (c *Channel) opened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUnopened {
		c.state = StateOpen
		c.logger.Debug("control channel open")
	}
}

func (c *Channel) closed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSent {
		c.state = StateClosed
	}
}

func (c *Channel) received(data []byte) {
	msg := string(data)
	if c.participant != session.ParticipantClient {
		c.logger.Warn("ignoring control message", zap.String("message", msg))
		return
	}
	if msg != EndSignal {
		c.logger.Warn("unknown control message", zap.String("message", msg))
		return
	}
	c.logger.Info("end signal received")
	c.endOnce.Do(func() {
		if c.onEnd != nil {
			c.onEnd()
		}
	})
}

// State is the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendEnd sends the end signal. Misuse (a client sending, a second send,
// sending before open or after close) is logged and returned, never fatal.
func (c *Channel) SendEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch {
	case c.participant != session.ParticipantCounselor:
		err = errs.ErrControlNotPermitted
	case c.state == StateSent:
		err = errs.ErrControlAlreadySent
	case c.state == StateClosed:
		err = errs.ErrControlClosed
	case c.state == StateUnopened:
		err = errs.ErrControlNotOpen
	}
	if err != nil {
		c.logger.Warn("end signal not sent", zap.String("state", string(c.state)), zap.Error(err))
		return err
	}

	if err := c.ch.SendText(EndSignal); err != nil {
		c.logger.Warn("end signal send failed", zap.Error(err))
		c.state = StateClosed
		return fmt.Errorf("%w: %v", errs.ErrControlClosed, err)
	}
	c.state = StateSent
	c.logger.Info("end signal sent")
	return nil
}

// Close closes the underlying channel once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateSent {
			c.state = StateClosed
		}
		c.mu.Unlock()
		err = c.ch.Close()
	})
	return err
}
