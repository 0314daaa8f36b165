package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercounsel/internal/health"
	"peercounsel/pkg/rtc"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

// fakeTransport records what the negotiator does to it. Offers carry
// payload "X" and answers "Y".
type fakeTransport struct {
	mu          sync.Mutex
	remote      *session.Description
	remoteSets  int
	applied     []string
	early       int
	offers      int
	answers     int
	tracks      []rtc.Track
	onCandidate func(session.Candidate)
}

func (f *fakeTransport) CreateOffer() (session.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return session.Description{Type: "offer", Payload: "X"}, nil
}

func (f *fakeTransport) CreateAnswer() (session.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return session.Description{}, errors.New("no remote offer")
	}
	f.answers++
	return session.Description{Type: "answer", Payload: "Y"}, nil
}

func (f *fakeTransport) SetRemoteDescription(d session.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	f.remoteSets++
	return nil
}

func (f *fakeTransport) AddICECandidate(c session.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		f.early++
		return errors.New("remote description not set")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(session.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) emit(c string) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(session.Candidate{Candidate: c})
}

func (f *fakeTransport) OnConnectionStateChange(func(rtc.ConnectionState))    {}
func (f *fakeTransport) OnICEConnectionStateChange(func(rtc.ConnectionState)) {}

func (f *fakeTransport) AddTrack(t rtc.Track) (rtc.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil, nil
}

func (f *fakeTransport) RemoveTrack(rtc.Sender) error         { return nil }
func (f *fakeTransport) Senders() []rtc.Sender                { return nil }
func (f *fakeTransport) ControlChannel() (rtc.Channel, error) { return nil, errors.New("unsupported") }
func (f *fakeTransport) CanReplaceTrack() bool                { return true }
func (f *fakeTransport) Close() error                         { return nil }

func (f *fakeTransport) snapshot() (remoteSets int, applied []string, early int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSets, append([]string(nil), f.applied...), f.early
}

// lenient accepts any non-empty payload of the wanted type.
func lenient(d *session.Description, want string) error {
	if d == nil || d.Type != want || d.Payload == "" {
		return fmt.Errorf("%w: bad %s", rtc.ErrMalformedDescription, want)
	}
	return nil
}

type failure struct {
	reason health.Reason
	err    error
}

type peer struct {
	n        *Negotiator
	tr       *fakeTransport
	failures chan failure
}

func newPeer(t *testing.T, store sessionstore.Store, sessionID, localID string, timeout time.Duration) *peer {
	t.Helper()
	p := &peer{tr: &fakeTransport{}, failures: make(chan failure, 4)}
	p.n = New(Options{
		SessionID:     sessionID,
		LocalID:       localID,
		Store:         store,
		Transport:     p.tr,
		AnswerTimeout: timeout,
		Validate:      lenient,
		OnFailure: func(reason health.Reason, err error) {
			p.failures <- failure{reason, err}
		},
	})
	t.Cleanup(p.n.Close)
	return p
}

func createSession(t *testing.T, store sessionstore.Store, id string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &session.CallSession{
		ID:          id,
		Type:        session.TypeScheduled,
		ClientID:    "client-1",
		CounselorID: "counselor-1",
		Status:      session.StatusWaiting,
	}))
}

func getSession(t *testing.T, store sessionstore.Store, id string) *session.CallSession {
	t.Helper()
	s, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestTwoSidesNegotiate(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "abc123")
	ctx := context.Background()

	a := newPeer(t, store, "abc123", "client-1", time.Minute)
	b := newPeer(t, store, "abc123", "counselor-1", time.Minute)

	sideA, err := a.n.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.SideOfferer, sideA)

	s := getSession(t, store, "abc123")
	require.NotNil(t, s.Offer)
	assert.Equal(t, session.Description{Type: "offer", Payload: "X"}, *s.Offer)
	assert.Equal(t, "client-1", s.OffererID)

	sideB, err := b.n.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.SideAnswerer, sideB)

	require.Eventually(t, func() bool {
		s := getSession(t, store, "abc123")
		return s.Answer != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Description{Type: "answer", Payload: "Y"}, *getSession(t, store, "abc123").Answer)

	require.Eventually(t, func() bool {
		sets, _, _ := a.tr.snapshot()
		return sets == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Unrelated document changes must not re-apply the answer.
	require.NoError(t, store.AppendMessage(ctx, "abc123", session.Message{SenderID: "client-1", Text: "hi"}))
	require.NoError(t, store.Update(ctx, "abc123", session.Fields{session.FieldAcceptedAt: time.Now()}))
	time.Sleep(50 * time.Millisecond)
	sets, _, _ := a.tr.snapshot()
	assert.Equal(t, 1, sets)

	a.n.MarkConnected()
	b.n.MarkConnected()
	require.Eventually(t, func() bool {
		return a.n.Active() && b.n.Active()
	}, 2*time.Second, 10*time.Millisecond)

	s = getSession(t, store, "abc123")
	assert.Equal(t, session.StatusActive, s.Status)
	assert.NotNil(t, s.StartTime)
}

func TestRoleAssignmentUnderConcurrency(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := sessionstore.NewMemoryStore()
		id := fmt.Sprintf("room-%d", i)
		createSession(t, store, id)
		peers := []*peer{
			newPeer(t, store, id, "client-1", time.Minute),
			newPeer(t, store, id, "counselor-1", time.Minute),
		}

		sides := make([]session.Side, len(peers))
		var wg sync.WaitGroup
		for j, p := range peers {
			wg.Add(1)
			go func(j int, p *peer) {
				defer wg.Done()
				side, err := p.n.Start(context.Background())
				assert.NoError(t, err)
				sides[j] = side
			}(j, p)
		}
		wg.Wait()

		assert.ElementsMatch(t, []session.Side{session.SideOfferer, session.SideAnswerer}, sides, "iteration %d", i)
		for _, p := range peers {
			p.n.Close()
		}
	}
}

func TestApplyAnswerIsIdempotent(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	p := newPeer(t, store, "room", "client-1", time.Minute)
	_, err := p.n.Start(context.Background())
	require.NoError(t, err)

	answer := session.Description{Type: "answer", Payload: "Y"}
	applied, err := p.n.ApplyAnswer(answer)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = p.n.ApplyAnswer(answer)
	require.NoError(t, err)
	assert.False(t, applied)

	sets, _, _ := p.tr.snapshot()
	assert.Equal(t, 1, sets)
}

func TestLateSubscriptionSeesExistingAnswer(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	ctx := context.Background()
	p := newPeer(t, store, "room", "client-1", time.Minute)

	// Claim the role and write the answer before the offerer subscribes.
	require.NoError(t, store.Update(ctx, "room", session.Fields{
		session.FieldOffererID: "client-1",
		session.FieldAnswer:    session.Description{Type: "answer", Payload: "Y"},
	}))
	side, err := p.n.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.SideOfferer, side)

	require.Eventually(t, func() bool {
		sets, _, _ := p.tr.snapshot()
		return sets == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	ctx := context.Background()

	// Another side holds the offerer role but has not written its offer yet.
	require.NoError(t, store.Update(ctx, "room", session.Fields{session.FieldOffererID: "client-1"}))
	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.AppendCandidate(ctx, "room", session.RelayOfferer, session.Candidate{Candidate: c}))
	}

	p := newPeer(t, store, "room", "counselor-1", time.Minute)
	side, err := p.n.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, session.SideAnswerer, side)

	require.Eventually(t, func() bool {
		p.n.mu.Lock()
		defer p.n.mu.Unlock()
		return len(p.n.pending) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Update(ctx, "room", session.Fields{
		session.FieldOffer: session.Description{Type: "offer", Payload: "X"},
	}))
	require.NoError(t, store.AppendCandidate(ctx, "room", session.RelayOfferer, session.Candidate{Candidate: "c4"}))

	require.Eventually(t, func() bool {
		_, applied, _ := p.tr.snapshot()
		return len(applied) == 4
	}, 2*time.Second, 10*time.Millisecond)

	_, applied, early := p.tr.snapshot()
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, applied)
	assert.Zero(t, early)
}

func TestAppliedCandidatesAreNotReplayed(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	p := newPeer(t, store, "room", "client-1", time.Minute)
	_, err := p.n.Start(context.Background())
	require.NoError(t, err)
	_, err = p.n.ApplyAnswer(session.Description{Type: "answer", Payload: "Y"})
	require.NoError(t, err)

	first := session.RelayEntry{ID: "00000000000000000005", Candidate: session.Candidate{Candidate: "c5"}}
	older := session.RelayEntry{ID: "00000000000000000004", Candidate: session.Candidate{Candidate: "c4"}}
	p.n.HandleRemoteCandidate(first)
	p.n.HandleRemoteCandidate(first)
	p.n.HandleRemoteCandidate(older)

	_, applied, _ := p.tr.snapshot()
	assert.Equal(t, []string{"c5"}, applied)
}

func TestLocalCandidatesGoToOwnRelay(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	ctx := context.Background()
	p := newPeer(t, store, "room", "client-1", time.Minute)
	side, err := p.n.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, session.SideOfferer, side)

	p.tr.emit("host-1")
	p.tr.emit("srflx-1")

	sub, err := store.SubscribeCandidates(ctx, "room", session.RelayOfferer, "")
	require.NoError(t, err)
	defer sub.Close()
	var got []string
	for len(got) < 2 {
		select {
		case e := <-sub.C():
			got = append(got, e.Candidate.Candidate)
		case <-time.After(2 * time.Second):
			t.Fatal("candidates not relayed")
		}
	}
	assert.Equal(t, []string{"host-1", "srflx-1"}, got)

	other, err := store.SubscribeCandidates(ctx, "room", session.RelayAnswerer, "")
	require.NoError(t, err)
	defer other.Close()
	select {
	case e := <-other.C():
		t.Fatalf("unexpected entry in answerer relay: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedOfferFailsSession(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, "room", session.Fields{
		session.FieldOffererID: "client-1",
		session.FieldOffer:     session.Description{Type: "answer", Payload: ""},
	}))

	p := newPeer(t, store, "room", "counselor-1", time.Minute)
	_, err := p.n.Start(ctx)
	require.NoError(t, err)

	select {
	case f := <-p.failures:
		assert.Equal(t, health.ReasonMalformed, f.reason)
		assert.ErrorIs(t, f.err, rtc.ErrMalformedDescription)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
	s := getSession(t, store, "room")
	assert.Equal(t, session.StatusError, s.Status)
	require.NotNil(t, s.ErrorDetails)
	assert.Equal(t, string(health.ReasonMalformed), s.ErrorDetails.Reason)
	assert.Nil(t, s.Answer)
}

func TestAnswerTimeout(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	p := newPeer(t, store, "room", "client-1", 30*time.Millisecond)
	_, err := p.n.Start(context.Background())
	require.NoError(t, err)

	select {
	case f := <-p.failures:
		assert.Equal(t, health.ReasonAnswerTimeout, f.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("answer timeout not reported")
	}
	assert.Equal(t, session.StatusError, getSession(t, store, "room").Status)
}

func TestStartRejectsFinishedSessions(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	require.NoError(t, store.Update(context.Background(), "room", session.Fields{session.FieldStatus: session.StatusEnded}))
	p := newPeer(t, store, "room", "client-1", time.Minute)
	_, err := p.n.Start(context.Background())
	assert.Error(t, err)
}

func TestRenegotiationRound(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	createSession(t, store, "room")
	ctx := context.Background()
	a := newPeer(t, store, "room", "client-1", time.Second)
	b := newPeer(t, store, "room", "counselor-1", time.Second)
	_, err := a.n.Start(ctx)
	require.NoError(t, err)
	_, err = b.n.Start(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sets, _, _ := a.tr.snapshot()
		return sets == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.n.Renegotiate(ctx))

	s := getSession(t, store, "room")
	require.NotNil(t, s.Renegotiation)
	assert.Equal(t, 1, s.Renegotiation.Round)
	assert.Equal(t, "counselor-1", s.Renegotiation.From)
	assert.NotNil(t, s.Renegotiation.Answer)
	assert.Equal(t, "X", s.Offer.Payload, "initial offer stays untouched")

	bSets, _, _ := b.tr.snapshot()
	assert.Equal(t, 2, bSets)
	aSets, _, _ := a.tr.snapshot()
	assert.Equal(t, 2, aSets)

	require.NoError(t, a.n.Renegotiate(ctx))
	assert.Equal(t, 2, getSession(t, store, "room").Renegotiation.Round)
}
