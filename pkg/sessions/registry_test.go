package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, syncstore.Store) {
	t.Helper()
	store := syncstore.NewInMemoryStore()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	r, err := NewRegistry(RegistryConfig{Store: store, Now: clock.Now})
	require.NoError(t, err)
	return r, clock, store
}

var alice = model.Actor{TenantID: "tenant", UserID: "alice", DeviceID: "laptop"}

func TestRegistry_HeartbeatCreatesThenAdvances(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Heartbeat(ctx, alice, "s1", "th1", 0)
	require.True(t, syncerr.Is(err, syncerr.CodeThreadNotFound))

	_, created, err := r.EnsureThread(ctx, alice, "th1")
	require.NoError(t, err)
	require.True(t, created)

	res, err := r.EnsureSession(ctx, alice, "s1", "th1", 5)
	require.NoError(t, err)
	require.Equal(t, EnsureCreated, res.Status)
	require.Equal(t, int64(5), res.Session.LastEventCursor)

	clock.t = clock.t.Add(time.Second)
	res, err = r.Heartbeat(ctx, alice, "s1", "th1", 3)
	require.NoError(t, err)
	require.Equal(t, EnsureActive, res.Status)
	require.Equal(t, int64(5), res.Session.LastEventCursor)
	require.Equal(t, clock.t.UnixMilli(), res.Session.LastHeartbeatAtMs)
}

func TestRegistry_Fencing(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.EnsureThread(ctx, alice, "th1")
	require.NoError(t, err)
	_, _, err = r.EnsureThread(ctx, alice, "th2")
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, alice, "s1", "th1", 0)
	require.NoError(t, err)

	_, err = r.Heartbeat(ctx, alice, "s1", "th2", 0)
	require.True(t, syncerr.Is(err, syncerr.CodeSessionThreadMismatch))

	phone := alice
	phone.DeviceID = "phone"
	_, err = r.Heartbeat(ctx, phone, "s1", "th1", 0)
	require.True(t, syncerr.Is(err, syncerr.CodeSessionDeviceMismatch))

	bob := model.Actor{TenantID: "tenant", UserID: "bob", DeviceID: "laptop"}
	_, _, err = r.EnsureThread(ctx, bob, "th1")
	require.True(t, syncerr.Is(err, syncerr.CodeAuthThreadForbidden))

	res, err := r.Rebind(ctx, phone, "s1", "th2", 0)
	require.NoError(t, err)
	require.Equal(t, EnsureRebound, res.Status)
	require.Equal(t, "th2", res.Session.ThreadID)
	require.Equal(t, "phone", res.Session.DeviceID)
}

func TestRegistry_RequireBoundSessionUserMismatch(t *testing.T) {
	r, _, store := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.EnsureThread(ctx, alice, "th1")
	require.NoError(t, err)
	err = store.WithinTx(ctx, func(tx syncstore.Tx) error {
		return tx.PutSession(ctx, model.Session{
			TenantID: "tenant", SessionID: "s1", ThreadID: "th1", DeviceID: "laptop", UserID: "mallory",
			Status: model.SessionActive,
		})
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx syncstore.Tx) error {
		_, err := RequireBoundSession(ctx, tx, alice, "s1", "th1")
		return err
	})
	require.True(t, syncerr.Is(err, syncerr.CodeAuthSessionForbidden))
	require.False(t, syncerr.RecoverableOf(err))
}

func TestRegistry_TimeoutStaleSessions(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := r.EnsureThread(ctx, alice, "th1")
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, alice, "old", "th1", 0)
	require.NoError(t, err)
	clock.t = clock.t.Add(10 * time.Minute)
	_, err = r.Heartbeat(ctx, alice, "fresh", "th1", 0)
	require.NoError(t, err)

	n, err := r.TimeoutStaleSessions(ctx, "tenant", clock.t.Add(-3*time.Minute), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := r.Heartbeat(ctx, alice, "old", "th1", 0)
	require.NoError(t, err)
	require.Equal(t, EnsureRebound, res.Status)
	require.Equal(t, model.SessionActive, res.Session.Status)
}

func TestRegistry_TimeoutStaleSessionsIsTenantScoped(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	ctx := context.Background()
	carol := model.Actor{TenantID: "other", UserID: "carol", DeviceID: "phone"}
	for _, a := range []model.Actor{alice, carol} {
		_, _, err := r.EnsureThread(ctx, a, "th1")
		require.NoError(t, err)
		_, err = r.Heartbeat(ctx, a, "s-"+a.UserID, "th1", 0)
		require.NoError(t, err)
	}
	clock.t = clock.t.Add(10 * time.Minute)

	n, err := r.TimeoutStaleSessions(ctx, "other", clock.t.Add(-3*time.Minute), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = r.TimeoutStaleSessions(ctx, "", clock.t.Add(-3*time.Minute), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only alice's session was still active")
}
