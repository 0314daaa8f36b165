package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peercounsel/internal/metrics"
	"peercounsel/pkg/presence"
	"peercounsel/pkg/rtc"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

// Reason says why a call was torn down.
type Reason string

const (
	ReasonHangup        Reason = "hangup"
	ReasonEnded         Reason = "ended"
	ReasonEndSignal     Reason = "end_signal"
	ReasonRemoteDeleted Reason = "remote_deleted"
	ReasonRemoteError   Reason = "remote_error"
	ReasonDisconnected  Reason = "disconnected"
	ReasonFailed        Reason = "failed"
	ReasonAnswerTimeout Reason = "answer_timeout"
	ReasonMissingOffer  Reason = "missing_offer"
	ReasonMalformed     Reason = "malformed_description"
	ReasonTransport     Reason = "transport_error"
)

// Failure reports whether the reason leaves the session in error.
func (r Reason) Failure() bool {
	switch r {
	case ReasonDisconnected, ReasonFailed, ReasonAnswerTimeout, ReasonMissingOffer, ReasonMalformed, ReasonTransport:
		return true
	}
	return false
}

// MarksError reports whether a counselor leaving for this reason writes
// status error. Hangup counts: the document must not stay active with
// nobody in the call.
func (r Reason) MarksError() bool {
	return r == ReasonHangup || r.Failure()
}

const writeTimeout = 10 * time.Second

// Availability is the slice of the presence service recovery needs.
type Availability interface {
	SetAvailability(ctx context.Context, counselorID string, status presence.Status, isAvailable bool) error
}

// SessionWriter is the slice of the session store recovery needs.
type SessionWriter interface {
	ConditionalUpdate(ctx context.Context, id string, pred sessionstore.Predicate, fields session.Fields) (bool, error)
}

// Options configures a Monitor.
type Options struct {
	SessionID   string
	LocalID     string
	Participant session.Participant
	// Grace delays recovery after a disconnect; connectivity returning
	// within it cancels the teardown. Failed states never wait.
	Grace    time.Duration
	Store    SessionWriter
	Presence Availability
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

type cleanup struct {
	name string
	fn   func() error
}

// Monitor follows transport state and owns the idempotent recovery path.
type Monitor struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	pcState     rtc.ConnectionState
	iceState    rtc.ConnectionState
	grace       *time.Timer
	cleanups    []cleanup
	onConnected []func()
	connected   bool

	once   sync.Once
	done   chan struct{}
	reason Reason
	err    error
}

// New builds a monitor in state new.
func New(opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		opts: opts,
		logger: opts.Logger.Named("health").With(
			zap.String("session_id", opts.SessionID),
			zap.String("participant", string(opts.Participant)),
		),
		pcState:  rtc.StateNew,
		iceState: rtc.StateNew,
		done:     make(chan struct{}),
	}
}

// Attach subscribes to both state feeds of the transport.
func (m *Monitor) Attach(t rtc.Transport) {
	t.OnConnectionStateChange(func(s rtc.ConnectionState) { m.Observe(false, s) })
	t.OnICEConnectionStateChange(func(s rtc.ConnectionState) { m.Observe(true, s) })
}

// OnConnected registers fn to run once, on first connectivity.
func (m *Monitor) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// AddCleanup registers a teardown step. Steps run once, in registration order.
func (m *Monitor) AddCleanup(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
}

// State is the aggregate connection state, falling back to the ICE state
// before the aggregate one has been reported.
func (m *Monitor) State() rtc.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pcState != rtc.StateNew {
		return m.pcState
	}
	return m.iceState
}

// Observe records a state transition from the ICE sub-state (ice=true) or
// the aggregate connection state.
func (m *Monitor) Observe(ice bool, s rtc.ConnectionState) {
	m.mu.Lock()
	if m.exiting() {
		m.mu.Unlock()
		return
	}
	if ice {
		m.iceState = s
	} else {
		m.pcState = s
	}
	m.logger.Debug("connection state", zap.Bool("ice", ice), zap.String("state", string(s)))

	var fire []func()
	switch {
	case s == rtc.StateConnected:
		if m.grace != nil {
			m.grace.Stop()
			m.grace = nil
			m.logger.Info("connectivity restored within grace")
		}
		if !m.connected {
			m.connected = true
			fire = m.onConnected
		}
	case s.Degraded():
		if s == rtc.StateFailed || m.opts.Grace <= 0 {
			reason := ReasonDisconnected
			if s == rtc.StateFailed {
				reason = ReasonFailed
			}
			m.mu.Unlock()
			m.Recover(reason, nil)
			return
		}
		if m.grace == nil {
			m.grace = time.AfterFunc(m.opts.Grace, func() {
				m.Recover(ReasonDisconnected, nil)
			})
		}
	}
	m.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

func (m *Monitor) exiting() bool {
	select {
	case <-m.done:
		return true
	default:
		return m.reason != ""
	}
}

// Recover starts the teardown. Only the first call has any effect; the
// rest return immediately. Wait on Done for completion.
func (m *Monitor) Recover(reason Reason, cause error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.reason = reason
		if m.grace != nil {
			m.grace.Stop()
			m.grace = nil
		}
		steps := append([]cleanup(nil), m.cleanups...)
		m.mu.Unlock()

		m.opts.Metrics.Recovery(string(reason))
		fields := []zap.Field{zap.String("reason", string(reason))}
		if cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		m.logger.Info("recovering", fields...)

		go m.recover(reason, cause, steps)
	})
}

func (m *Monitor) recover(reason Reason, cause error, steps []cleanup) {
	defer close(m.done)

	var err error
	for _, step := range steps {
		if stepErr := step.fn(); stepErr != nil {
			m.logger.Warn("cleanup failed", zap.String("step", step.name), zap.Error(stepErr))
			err = multierr.Append(err, stepErr)
		}
	}

	if m.opts.Participant == session.ParticipantCounselor {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = multierr.Append(err, m.restoreAvailability(ctx))
		if reason.MarksError() {
			err = multierr.Append(err, m.markError(ctx, reason, cause))
		}
		cancel()
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Monitor) restoreAvailability(ctx context.Context) error {
	if m.opts.Presence == nil || m.opts.LocalID == "" {
		return nil
	}
	if err := m.opts.Presence.SetAvailability(ctx, m.opts.LocalID, presence.StatusAvailable, true); err != nil {
		m.logger.Warn("restore availability failed", zap.Error(err))
		return err
	}
	return nil
}

func (m *Monitor) markError(ctx context.Context, reason Reason, cause error) error {
	if m.opts.Store == nil {
		return nil
	}
	details := &session.ErrorDetails{
		Reason: string(reason),
		By:     m.opts.LocalID,
		At:     m.opts.Now().UTC(),
	}
	if cause != nil {
		details.Message = cause.Error()
	}
	_, err := m.opts.Store.ConditionalUpdate(ctx, m.opts.SessionID,
		func(s *session.CallSession) bool { return !s.Status.Terminal() },
		session.Fields{
			session.FieldStatus:       session.StatusError,
			session.FieldErrorDetails: details,
		})
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.logger.Warn("write error status failed", zap.Error(err))
	}
	return err
}

// Done is closed once teardown has finished.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Reason is the trigger of the teardown, empty while the call is live.
func (m *Monitor) Reason() Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Err aggregates teardown failures. Valid after Done.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
