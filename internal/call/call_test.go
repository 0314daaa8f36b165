package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercounsel/internal/errs"
	"peercounsel/internal/health"
	"peercounsel/pkg/presence"
	"peercounsel/pkg/rtc"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

const waitFor = 3 * time.Second

// fakeChannel delivers sends to its peer once both ends are open.
type fakeChannel struct {
	mu      sync.Mutex
	peer    *fakeChannel
	onOpen  func()
	onMsg   func([]byte)
	onClose func()
	closed  bool
}

func (f *fakeChannel) OnOpen(fn func())               { f.mu.Lock(); f.onOpen = fn; f.mu.Unlock() }
func (f *fakeChannel) OnMessage(fn func(data []byte)) { f.mu.Lock(); f.onMsg = fn; f.mu.Unlock() }
func (f *fakeChannel) OnClose(fn func())              { f.mu.Lock(); f.onClose = fn; f.mu.Unlock() }

func (f *fakeChannel) open() {
	f.mu.Lock()
	fn := f.onOpen
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeChannel) SendText(text string) error {
	f.mu.Lock()
	closed, peer := f.closed, f.peer
	f.mu.Unlock()
	if closed || peer == nil {
		return errors.New("channel closed")
	}
	peer.mu.Lock()
	fn := peer.onMsg
	peer.mu.Unlock()
	if fn != nil {
		fn([]byte(text))
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeTransport struct {
	mu         sync.Mutex
	remote     *session.Description
	ctrl       *fakeChannel
	senders    []rtc.Sender
	onState    func(rtc.ConnectionState)
	onICEState func(rtc.ConnectionState)
	closes     int
}

func (f *fakeTransport) CreateOffer() (session.Description, error) {
	return session.Description{Type: "offer", Payload: "X"}, nil
}

func (f *fakeTransport) CreateAnswer() (session.Description, error) {
	return session.Description{Type: "answer", Payload: "Y"}, nil
}

func (f *fakeTransport) SetRemoteDescription(d session.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	return nil
}

func (f *fakeTransport) AddICECandidate(session.Candidate) error { return nil }
func (f *fakeTransport) OnICECandidate(func(session.Candidate))  {}

func (f *fakeTransport) OnConnectionStateChange(fn func(rtc.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) OnICEConnectionStateChange(fn func(rtc.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICEState = fn
}

func (f *fakeTransport) setState(s rtc.ConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) AddTrack(t rtc.Track) (rtc.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{track: t}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeTransport) RemoveTrack(s rtc.Sender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.senders {
		if rtc.Sender(cur) == s {
			f.senders = append(f.senders[:i], f.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (f *fakeTransport) Senders() []rtc.Sender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rtc.Sender(nil), f.senders...)
}

func (f *fakeTransport) ControlChannel() (rtc.Channel, error) { return f.ctrl, nil }
func (f *fakeTransport) CanReplaceTrack() bool                { return true }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSender struct {
	mu    sync.Mutex
	track rtc.Track
}

func (s *fakeSender) Track() rtc.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t rtc.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    rtc.Kind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string     { return t.id }
func (t *fakeTrack) Kind() rtc.Kind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.enabled = false
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeCapturer struct{}

func (fakeCapturer) Acquire(ctx context.Context, kind rtc.Kind) (rtc.Track, error) {
	return &fakeTrack{id: uuid.NewString(), kind: kind, enabled: true}, nil
}

type recorder struct {
	mu      sync.Mutex
	records []session.Record
}

func (r *recorder) RecordCompletedSession(ctx context.Context, rec session.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) all() []session.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Record(nil), r.records...)
}

func lenient(d *session.Description, want string) error {
	if d == nil || d.Type != want {
		return fmt.Errorf("%w: bad %s", rtc.ErrMalformedDescription, want)
	}
	return nil
}

type harness struct {
	store     *sessionstore.MemoryStore
	presence  *presence.MemoryStore
	history   *recorder
	client    *fakeTransport
	counselor *fakeTransport
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     sessionstore.NewMemoryStore(),
		presence:  presence.NewMemoryStore(),
		history:   &recorder{},
		client:    &fakeTransport{ctrl: &fakeChannel{}},
		counselor: &fakeTransport{ctrl: &fakeChannel{}},
	}
	h.client.ctrl.peer = h.counselor.ctrl
	h.counselor.ctrl.peer = h.client.ctrl
	require.NoError(t, h.store.Create(context.Background(), &session.CallSession{
		ID:          "abc123",
		Type:        session.TypeScheduled,
		ClientID:    "client-1",
		CounselorID: "counselor-1",
		Status:      session.StatusWaiting,
	}))
	return h
}

func (h *harness) join(t *testing.T, localID string, tr *fakeTransport) *Call {
	t.Helper()
	c, err := Join(context.Background(), Deps{
		Store:        h.store,
		Presence:     h.presence,
		History:      h.history,
		NewTransport: func() (rtc.Transport, error) { return tr, nil },
		Capturer:     fakeCapturer{},
	}, Options{
		SessionID:     "abc123",
		LocalID:       localID,
		AnswerTimeout: waitFor,
		Validate:      lenient,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

// connect joins both sides and brings the fake transports up.
func (h *harness) connect(t *testing.T) (client, counselor *Call) {
	t.Helper()
	client = h.join(t, "client-1", h.client)
	counselor = h.join(t, "counselor-1", h.counselor)
	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), "abc123")
		return err == nil && s.Answer != nil
	}, waitFor, 10*time.Millisecond)

	h.client.ctrl.open()
	h.counselor.ctrl.open()
	h.client.setState(rtc.StateConnected)
	h.counselor.setState(rtc.StateConnected)
	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), "abc123")
		return err == nil && s.Status == session.StatusActive && s.StartTime != nil
	}, waitFor, 10*time.Millisecond)
	return client, counselor
}

func waitDone(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("call not torn down")
	}
}

func TestCounselorEndsSession(t *testing.T) {
	h := newHarness(t)
	client, counselor := h.connect(t)
	assert.ElementsMatch(t, []session.Side{session.SideOfferer, session.SideAnswerer}, []session.Side{client.Side(), counselor.Side()})

	a, err := h.presence.Availability(context.Background(), "counselor-1")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusInSession, a.Status)

	require.NoError(t, counselor.End(context.Background(), "went well"))
	require.NoError(t, counselor.End(context.Background(), "again"))

	waitDone(t, client)
	assert.Contains(t, []health.Reason{health.ReasonEndSignal, health.ReasonEnded}, client.Reason())
	assert.Equal(t, health.ReasonEnded, counselor.Reason())

	s, err := h.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, s.Status)
	assert.NotNil(t, s.EndTime)

	records := h.history.all()
	require.Len(t, records, 1)
	assert.Equal(t, "went well", records[0].Notes)
	assert.Equal(t, "client-1", records[0].ClientID)
	assert.Equal(t, *s.StartTime, records[0].Start)

	a, err = h.presence.Availability(context.Background(), "counselor-1")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusAvailable, a.Status)
	assert.Equal(t, 1, h.counselor.closeCount())
	assert.Equal(t, 1, h.client.closeCount())
}

func TestClientExitNeverEndsSession(t *testing.T) {
	h := newHarness(t)
	client, counselor := h.connect(t)

	assert.ErrorIs(t, client.End(context.Background(), ""), errs.ErrNotCounselor)
	require.NoError(t, client.Leave(context.Background()))
	assert.Equal(t, health.ReasonHangup, client.Reason())

	s, err := h.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Nil(t, s.EndTime)
	assert.Empty(t, h.history.all())

	select {
	case <-counselor.Done():
		t.Fatal("counselor torn down by a client exit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCounselorHangupTearsDownClient(t *testing.T) {
	h := newHarness(t)
	client, counselor := h.connect(t)

	require.NoError(t, counselor.Leave(context.Background()))
	assert.Equal(t, health.ReasonHangup, counselor.Reason())

	s, err := h.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, s.Status)
	require.NotNil(t, s.ErrorDetails)
	assert.Equal(t, "hangup", s.ErrorDetails.Reason)
	assert.Nil(t, s.EndTime)
	assert.Empty(t, h.history.all())

	waitDone(t, client)
	assert.Equal(t, health.ReasonRemoteError, client.Reason())

	a, err := h.presence.Availability(context.Background(), "counselor-1")
	require.NoError(t, err)
	assert.Equal(t, presence.StatusAvailable, a.Status)
}

func TestRemoteDeletionTearsDownBothSides(t *testing.T) {
	h := newHarness(t)
	client, counselor := h.connect(t)

	require.NoError(t, h.store.Delete(context.Background(), "abc123"))
	waitDone(t, client)
	waitDone(t, counselor)
	assert.Equal(t, health.ReasonRemoteDeleted, client.Reason())
	assert.Equal(t, health.ReasonRemoteDeleted, counselor.Reason())
}

func TestCounselorTransportFailure(t *testing.T) {
	h := newHarness(t)
	client, counselor := h.connect(t)

	h.counselor.setState(rtc.StateFailed)
	waitDone(t, counselor)
	assert.Equal(t, health.ReasonFailed, counselor.Reason())

	waitDone(t, client)
	assert.Equal(t, health.ReasonRemoteError, client.Reason())

	s, err := h.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, s.Status)
	require.NotNil(t, s.ErrorDetails)
	assert.Equal(t, "counselor-1", s.ErrorDetails.By)

	a, err := h.presence.Availability(context.Background(), "counselor-1")
	require.NoError(t, err)
	assert.True(t, a.IsAvailable)
}

func TestJoinRejectsStrangers(t *testing.T) {
	h := newHarness(t)
	_, err := Join(context.Background(), Deps{
		Store:        h.store,
		NewTransport: func() (rtc.Transport, error) { return h.client, nil },
		Capturer:     fakeCapturer{},
	}, Options{SessionID: "abc123", LocalID: "mallory"})
	assert.ErrorIs(t, err, errs.ErrNotParticipant)
}

func TestChatAndMute(t *testing.T) {
	h := newHarness(t)
	client, _ := h.connect(t)

	require.NoError(t, client.SendMessage(context.Background(), "hello"))
	s, err := h.store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "client-1", s.Messages[0].SenderID)

	client.Mute().SetAudioEnabled(false)
	assert.True(t, client.Mute().AudioMuted())
	require.NoError(t, client.Mute().SetVideoEnabled(context.Background(), false))
	assert.True(t, client.Mute().VideoMuted())
}
