package instant

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercounsel/internal/errs"
	"peercounsel/pkg/presence"
	"peercounsel/pkg/session"
	"peercounsel/pkg/sessionstore"
)

const waitFor = 3 * time.Second

func forEachStore(t *testing.T, fn func(t *testing.T, st sessionstore.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, sessionstore.NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		fn(t, sessionstore.NewRedisStore(rdb, "test", nil))
	})
}

func newCoordinator(st sessionstore.Store, pres Availability) *Coordinator {
	var n atomic.Int64
	return New(Options{
		Store:    st,
		Presence: pres,
		NewID: func() string {
			return fmt.Sprintf("instant-%d", n.Add(1))
		},
	})
}

func nextUpdate(t *testing.T, w *Watcher) Update {
	t.Helper()
	select {
	case u, ok := <-w.C():
		require.True(t, ok, "watcher closed")
		return u
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestClaimIsExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessionstore.Store) {
		ctx := context.Background()
		c := newCoordinator(st, nil)
		req, err := c.Request(ctx, "client-1")
		require.NoError(t, err)

		const contenders = 10
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				won, err := c.Claim(ctx, req.ID, fmt.Sprintf("counselor-%d", i))
				assert.NoError(t, err)
				if won {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		s, err := st.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, s.Status)
		assert.NotEmpty(t, s.CounselorID)
		assert.NotNil(t, s.AcceptedAt)
	})
}

func TestThreeCounselorsTwoClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessionstore.Store) {
		ctx := context.Background()
		pres := presence.NewMemoryStore()
		c := newCoordinator(st, pres)

		ids := []string{"c1", "c2", "c3"}
		watchers := make([]*Watcher, len(ids))
		for i, id := range ids {
			w, err := c.Watch(ctx, id)
			require.NoError(t, err)
			t.Cleanup(w.Close)
			watchers[i] = w
		}

		req, err := c.Request(ctx, "client-1")
		require.NoError(t, err)
		for _, w := range watchers {
			u := nextUpdate(t, w)
			assert.Equal(t, Offered, u.Kind)
			assert.Equal(t, req.ID, u.SessionID)
		}

		results := make([]bool, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				won, err := c.Claim(ctx, req.ID, ids[i])
				assert.NoError(t, err)
				results[i] = won
			}(i)
		}
		wg.Wait()
		assert.ElementsMatch(t, []bool{true, false}, results)

		s, err := st.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, s.Status)
		winner := ids[0]
		if results[1] {
			winner = ids[1]
		}
		assert.Equal(t, winner, s.CounselorID)

		for _, w := range watchers {
			u := nextUpdate(t, w)
			assert.Equal(t, Withdrawn, u.Kind)
			require.NotNil(t, u.Session)
			assert.Equal(t, winner, u.Session.CounselorID)
		}

		a, err := pres.Availability(ctx, winner)
		require.NoError(t, err)
		assert.Equal(t, presence.StatusInSession, a.Status)
		assert.False(t, a.IsAvailable)
	})
}

func TestRejectDoesNotBlockOthers(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessionstore.Store) {
		ctx := context.Background()
		c := newCoordinator(st, nil)
		wa, err := c.Watch(ctx, "c1")
		require.NoError(t, err)
		t.Cleanup(wa.Close)
		wb, err := c.Watch(ctx, "c2")
		require.NoError(t, err)
		t.Cleanup(wb.Close)

		req, err := c.Request(ctx, "client-1")
		require.NoError(t, err)
		assert.Equal(t, Offered, nextUpdate(t, wa).Kind)
		assert.Equal(t, Offered, nextUpdate(t, wb).Kind)

		require.NoError(t, c.Reject(ctx, req.ID, "c1"))
		assert.Equal(t, Withdrawn, nextUpdate(t, wa).Kind)

		s, err := st.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusRejected, s.Status)
		assert.Equal(t, "c1", s.RejectedBy)
		assert.NotNil(t, s.RejectedAt)

		won, err := c.Claim(ctx, req.ID, "c2")
		require.NoError(t, err)
		assert.True(t, won)
		assert.Equal(t, Withdrawn, nextUpdate(t, wb).Kind)

		assert.ErrorIs(t, c.Reject(ctx, req.ID, "c1"), errs.ErrNotClaimable)
	})
}

func TestWatchSeesRequestsOpenedEarlier(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessionstore.Store) {
		ctx := context.Background()
		c := newCoordinator(st, nil)
		req, err := c.Request(ctx, "client-1")
		require.NoError(t, err)

		w, err := c.Watch(ctx, "c1")
		require.NoError(t, err)
		defer w.Close()
		u := nextUpdate(t, w)
		assert.Equal(t, Offered, u.Kind)
		assert.Equal(t, req.ID, u.SessionID)
	})
}

func TestAwaitClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessionstore.Store) {
		ctx := context.Background()
		c := newCoordinator(st, nil)

		t.Run("claimed", func(t *testing.T) {
			req, err := c.Request(ctx, "client-1")
			require.NoError(t, err)
			go func() {
				time.Sleep(20 * time.Millisecond)
				_, _ = c.Claim(ctx, req.ID, "c1")
			}()
			s, err := c.AwaitClaim(ctx, req.ID, waitFor)
			require.NoError(t, err)
			assert.Equal(t, "c1", s.CounselorID)
		})

		t.Run("unclaimed", func(t *testing.T) {
			req, err := c.Request(ctx, "client-2")
			require.NoError(t, err)
			_, err = c.AwaitClaim(ctx, req.ID, 30*time.Millisecond)
			assert.ErrorIs(t, err, errs.ErrUnclaimed)

			s, err := st.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, session.StatusError, s.Status)
			require.NotNil(t, s.ErrorDetails)
			assert.Equal(t, ReasonUnclaimed, s.ErrorDetails.Reason)

			won, err := c.Claim(ctx, req.ID, "c1")
			require.NoError(t, err)
			assert.False(t, won)
		})
	})
}

func TestClaimMissingSession(t *testing.T) {
	c := newCoordinator(sessionstore.NewMemoryStore(), nil)
	_, err := c.Claim(context.Background(), "nope", "c1")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}
