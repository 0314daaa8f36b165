package sessionstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercounsel/pkg/session"
)

const waitFor = 3 * time.Second

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		fn(t, NewRedisStore(rdb, "test", nil))
	})
}

func newDoc(id string) *session.CallSession {
	return &session.CallSession{
		ID:       id,
		Type:     session.TypeScheduled,
		ClientID: "client-1",
		Status:   session.StatusWaiting,
	}
}

func nextEvent(t *testing.T, sub *Subscription[Event]) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestCreateGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newDoc("abc123")))
		assert.ErrorIs(t, st.Create(ctx, newDoc("abc123")), ErrExists)

		got, err := st.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "client-1", got.ClientID)
		assert.Equal(t, session.StatusWaiting, got.Status)
		assert.Equal(t, int64(1), got.Version)

		_, err = st.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, st.Update(ctx, "missing", session.Fields{session.FieldStatus: session.StatusActive}), ErrNotFound)
	})
}

func TestUpdateAndMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newDoc("room")))
		require.NoError(t, st.Update(ctx, "room", session.Fields{
			session.FieldOffer: session.Description{Type: "offer", Payload: "X"},
		}))
		require.NoError(t, st.AppendMessage(ctx, "room", session.Message{SenderID: "client-1", Text: "hello"}))

		got, err := st.Get(ctx, "room")
		require.NoError(t, err)
		require.NotNil(t, got.Offer)
		assert.Equal(t, "X", got.Offer.Payload)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "hello", got.Messages[0].Text)
		assert.Equal(t, int64(3), got.Version)
	})
}

func TestConditionalUpdateIsExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		doc := newDoc("instant-1")
		doc.Type = session.TypeInstant
		doc.Status = session.StatusWaitingForCounselor
		require.NoError(t, st.Create(ctx, doc))

		const contenders = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok, err := st.ConditionalUpdate(ctx, "instant-1", func(s *session.CallSession) bool {
					return s.Claimable()
				}, session.Fields{
					session.FieldCounselorID: id,
					session.FieldStatus:      session.StatusActive,
				})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins = append(wins, id)
					mu.Unlock()
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()

		require.Len(t, wins, 1)
		got, err := st.Get(ctx, "instant-1")
		require.NoError(t, err)
		assert.Equal(t, wins[0], got.CounselorID)
		assert.Equal(t, session.StatusActive, got.Status)
	})
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		doc := newDoc("abc123")
		doc.Answer = &session.Description{Type: "answer", Payload: "Y"}
		require.NoError(t, st.Create(ctx, doc))

		sub, err := st.Subscribe(ctx, "abc123")
		require.NoError(t, err)
		defer sub.Close()

		first := nextEvent(t, sub)
		require.NotNil(t, first.Session)
		require.NotNil(t, first.Session.Answer, "late subscribers see existing fields")

		require.NoError(t, st.Update(ctx, "abc123", session.Fields{session.FieldCounselorID: "counselor-1"}))
		ev := nextEvent(t, sub)
		require.NotNil(t, ev.Session)
		assert.Equal(t, "counselor-1", ev.Session.CounselorID)

		require.NoError(t, st.Delete(ctx, "abc123"))
		ev = nextEvent(t, sub)
		assert.True(t, ev.Deleted)
	})
}

func TestCandidateRelayDeliversOnlyNewEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newDoc("relay")))
		for _, c := range []string{"c1", "c2"} {
			require.NoError(t, st.AppendCandidate(ctx, "relay", session.RelayOfferer, session.Candidate{Candidate: c}))
		}

		sub, err := st.SubscribeCandidates(ctx, "relay", session.RelayOfferer, "")
		require.NoError(t, err)
		var seen []session.RelayEntry
		for len(seen) < 2 {
			select {
			case e := <-sub.C():
				seen = append(seen, e)
			case <-time.After(waitFor):
				t.Fatal("timed out waiting for candidates")
			}
		}
		sub.Close()
		assert.Equal(t, "c1", seen[0].Candidate.Candidate)
		assert.Equal(t, "c2", seen[1].Candidate.Candidate)

		require.NoError(t, st.AppendCandidate(ctx, "relay", session.RelayOfferer, session.Candidate{Candidate: "c3"}))
		require.NoError(t, st.AppendCandidate(ctx, "relay", session.RelayAnswerer, session.Candidate{Candidate: "other"}))

		sub, err = st.SubscribeCandidates(ctx, "relay", session.RelayOfferer, seen[1].ID)
		require.NoError(t, err)
		defer sub.Close()
		select {
		case e := <-sub.C():
			assert.Equal(t, "c3", e.Candidate.Candidate)
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for c3")
		}
		select {
		case e := <-sub.C():
			t.Fatalf("unexpected replay %+v", e)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestCandidateRelayCloseReturnsPromptly(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, newDoc("idle")))
		sub, err := st.SubscribeCandidates(ctx, "idle", session.RelayAnswerer, "")
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)

		start := time.Now()
		sub.Close()
		assert.Less(t, time.Since(start), time.Second)
		_, ok := <-sub.C()
		assert.False(t, ok)
	})
}

func TestWatchInstant(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		sub, err := st.WatchInstant(ctx)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, st.Create(ctx, newDoc("scheduled")))
		doc := newDoc("urgent")
		doc.Type = session.TypeInstant
		doc.Status = session.StatusWaitingForCounselor
		require.NoError(t, st.Create(ctx, doc))

		ev := nextEvent(t, sub)
		assert.Equal(t, "urgent", ev.SessionID)
		require.NotNil(t, ev.Session)
		assert.True(t, ev.Session.Claimable())
	})
}
