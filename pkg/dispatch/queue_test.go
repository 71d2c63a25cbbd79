package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var alice = model.Actor{TenantID: "tenant", UserID: "alice", DeviceID: "laptop"}

func newQueue(t *testing.T, store syncstore.Store) (*Queue, *fakeClock) {
	t.Helper()
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	q, err := NewQueue(QueueConfig{Store: store, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, store.WithinTx(context.Background(), func(tx syncstore.Tx) error {
		return tx.PutThread(context.Background(), model.Thread{TenantID: "tenant", ThreadID: "th1", UserID: "alice", Status: model.ThreadActive})
	}))
	return q, clock
}

func textInput(s string) []InputItem { return []InputItem{{Type: "text", Text: s}} }

func accept(t *testing.T, q *Queue, turnID, key string) AcceptResult {
	t.Helper()
	res, err := q.Accept(context.Background(), alice, AcceptRequest{ThreadID: "th1", TurnID: turnID, IdempotencyKey: key, Input: textInput("hi " + turnID)})
	require.NoError(t, err)
	return res
}

func TestAccept_Idempotent(t *testing.T) {
	q, _ := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()

	first := accept(t, q, "turn1", "k1")
	require.True(t, first.Accepted)
	require.False(t, first.Existing)
	require.Equal(t, model.DispatchQueued, first.Status)

	again := accept(t, q, "turn1", "k1")
	require.Equal(t, first.DispatchID, again.DispatchID)
	require.True(t, again.Existing)

	_, err := q.Accept(ctx, alice, AcceptRequest{ThreadID: "th1", TurnID: "turn1", IdempotencyKey: "k1", Input: textInput("other")})
	require.Equal(t, syncerr.CodeIdempotencyConflict, syncerr.CodeOf(err))

	st, err := q.GetState(ctx, alice, "th1", "", "turn1")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, "hi turn1", st.InputText)
	require.NoError(t, q.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		turn, found, err := tx.GetTurn(ctx, "tenant", "th1", "turn1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, model.TurnQueued, turn.Status)
		return nil
	}))
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, err := Fingerprint([]InputItem{{Type: "text", Text: "x"}})
	require.NoError(t, err)
	b, err := Fingerprint([]InputItem{{Text: "x", Type: "text"}})
	require.NoError(t, err)
	require.Equal(t, a, b)
	c, err := Fingerprint([]InputItem{{Type: "text", Text: "y"}})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestClaimLifecycle(t *testing.T) {
	q, clock := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	d1 := accept(t, q, "turn1", "k1")
	clock.Advance(time.Millisecond)
	accept(t, q, "turn2", "k2")

	c, err := q.Claim(ctx, alice, "th1", "w1", 0)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, d1.DispatchID, c.DispatchID)
	require.Equal(t, 1, c.AttemptCount)
	require.Equal(t, clock.Now().Add(DefaultLease).UnixMilli(), c.LeaseExpiresAtMs)

	busy, err := q.Claim(ctx, alice, "th1", "w2", 0)
	require.NoError(t, err)
	require.Nil(t, busy, "an unexpired claim blocks the thread")

	err = q.MarkStarted(ctx, alice, "th1", c.DispatchID, "wrong", "", "")
	require.Equal(t, syncerr.CodeClaimTokenMismatch, syncerr.CodeOf(err))

	require.NoError(t, q.MarkStarted(ctx, alice, "th1", c.DispatchID, c.ClaimToken, "rt-thread", ""))
	st, err := q.GetState(ctx, alice, "th1", c.DispatchID, "")
	require.NoError(t, err)
	require.Equal(t, model.DispatchStarted, st.Status)
	require.Equal(t, "turn1", st.RuntimeTurnID)
	require.Equal(t, "rt-thread", st.RuntimeThreadID)

	require.NoError(t, q.MarkCompleted(ctx, alice, "th1", c.DispatchID, c.ClaimToken))
	require.NoError(t, q.MarkCompleted(ctx, alice, "th1", c.DispatchID, c.ClaimToken))
	err = q.MarkFailed(ctx, alice, "th1", c.DispatchID, c.ClaimToken, "X", "late")
	require.Equal(t, syncerr.CodeInvalidDispatchState, syncerr.CodeOf(err))

	// Started on a completed dispatch is a no-op.
	require.NoError(t, q.MarkStarted(ctx, alice, "th1", c.DispatchID, "whatever", "", ""))

	next, err := q.Claim(ctx, alice, "th1", "w1", 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "turn2", next.TurnID)
}

func TestClaim_ExpiredLeaseIsReclaimable(t *testing.T) {
	q, clock := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	accept(t, q, "turn1", "k1")

	first, err := q.Claim(ctx, alice, "th1", "w1", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(3 * time.Second)
	second, err := q.Claim(ctx, alice, "th1", "w2", 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.DispatchID, second.DispatchID)
	require.Equal(t, 2, second.AttemptCount)
	require.NotEqual(t, first.ClaimToken, second.ClaimToken)

	err = q.MarkCompleted(ctx, alice, "th1", first.DispatchID, first.ClaimToken)
	require.Equal(t, syncerr.CodeClaimTokenMismatch, syncerr.CodeOf(err))
}

func TestClaim_LeaseHasFloor(t *testing.T) {
	q, clock := newQueue(t, syncstore.NewInMemoryStore())
	accept(t, q, "turn1", "k1")
	c, err := q.Claim(context.Background(), alice, "th1", "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(time.Second).UnixMilli(), c.LeaseExpiresAtMs)
}

func TestMarkStarted_UsesConfiguredLease(t *testing.T) {
	store := syncstore.NewInMemoryStore()
	_, clock := newQueue(t, store)
	q, err := NewQueue(QueueConfig{Store: store, Lease: 40 * time.Second, Now: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()
	accept(t, q, "turn1", "k1")
	accept(t, q, "turn2", "k2")

	c, err := q.Claim(ctx, alice, "th1", "w1", 0)
	require.NoError(t, err)
	require.NoError(t, q.MarkStarted(ctx, alice, "th1", c.DispatchID, c.ClaimToken, "", ""))

	clock.Advance(20 * time.Second)
	busy, err := q.Claim(ctx, alice, "th1", "w2", 0)
	require.NoError(t, err)
	require.Nil(t, busy, "a started turn holds the thread for the configured lease")

	clock.Advance(21 * time.Second)
	next, err := q.Claim(ctx, alice, "th1", "w2", 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "turn2", next.TurnID)
}

func TestRenewLease(t *testing.T) {
	q, clock := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	accept(t, q, "turn1", "k1")

	c, err := q.Claim(ctx, alice, "th1", "w1", 2*time.Second)
	require.NoError(t, err)

	err = q.RenewLease(ctx, alice, "th1", c.DispatchID, "wrong", 0)
	require.Equal(t, syncerr.CodeClaimTokenMismatch, syncerr.CodeOf(err))

	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, q.RenewLease(ctx, alice, "th1", c.DispatchID, c.ClaimToken, 0))
	st, err := q.GetState(ctx, alice, "th1", c.DispatchID, "")
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(DefaultLease).UnixMilli(), st.LeaseExpiresAtMs)
	require.Equal(t, model.DispatchClaimed, st.Status)

	clock.Advance(2 * time.Second)
	other, err := q.Claim(ctx, alice, "th1", "w2", 0)
	require.NoError(t, err)
	require.Nil(t, other)

	require.NoError(t, q.MarkCompleted(ctx, alice, "th1", c.DispatchID, c.ClaimToken))
	require.NoError(t, q.RenewLease(ctx, alice, "th1", c.DispatchID, "stale", 0))
}

func TestCancel(t *testing.T) {
	q, _ := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	d := accept(t, q, "turn1", "k1")
	c, err := q.Claim(ctx, alice, "th1", "w1", 0)
	require.NoError(t, err)

	err = q.Cancel(ctx, alice, "th1", d.DispatchID, "", "stop")
	require.Equal(t, syncerr.CodeClaimTokenMismatch, syncerr.CodeOf(err))
	require.NoError(t, q.Cancel(ctx, alice, "th1", d.DispatchID, c.ClaimToken, "stop"))
	require.NoError(t, q.Cancel(ctx, alice, "th1", d.DispatchID, "", "again"))

	st, err := q.GetState(ctx, alice, "th1", d.DispatchID, "")
	require.NoError(t, err)
	require.Equal(t, model.DispatchCancelled, st.Status)
	require.Equal(t, "stop", st.FailureReason)

	queued := accept(t, q, "turn2", "k2")
	require.NoError(t, q.Cancel(ctx, alice, "th1", queued.DispatchID, "", "no token needed"))
}

func TestForeignActor(t *testing.T) {
	q, _ := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	d := accept(t, q, "turn1", "k1")
	bob := model.Actor{TenantID: "tenant", UserID: "bob", DeviceID: "d"}

	_, err := q.Claim(ctx, bob, "th1", "w", 0)
	require.Equal(t, syncerr.CodeAuthThreadForbidden, syncerr.CodeOf(err))
	err = q.Cancel(ctx, bob, "th1", d.DispatchID, "", "x")
	require.Equal(t, syncerr.CodeAuthThreadForbidden, syncerr.CodeOf(err))

	err = q.MarkCompleted(ctx, alice, "th1", "missing", "t")
	require.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))
}

func TestCompleteForTurn(t *testing.T) {
	q, _ := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	accept(t, q, "turn1", "k1")
	accept(t, q, "turn2", "k2")
	accept(t, q, "turn3", "k3")

	for turnID, terminal := range map[string]model.TerminalStatus{
		"turn1": {Status: model.TurnCompleted},
		"turn2": {Status: model.TurnInterrupted, Error: "user stop"},
		"turn3": {Status: model.TurnFailed, Error: "boom"},
	} {
		settled, err := q.CompleteForTurn(ctx, "tenant", "th1", turnID, terminal)
		require.NoError(t, err)
		require.True(t, settled)
	}

	want := map[string]model.DispatchStatus{
		"turn1": model.DispatchCompleted,
		"turn2": model.DispatchCancelled,
		"turn3": model.DispatchFailed,
	}
	for turnID, status := range want {
		st, err := q.GetState(ctx, alice, "th1", "", turnID)
		require.NoError(t, err)
		require.Equal(t, status, st.Status, turnID)
	}

	settled, err := q.CompleteForTurn(ctx, "tenant", "th1", "turn1", model.TerminalStatus{Status: model.TurnFailed})
	require.NoError(t, err)
	require.False(t, settled, "terminal dispatches are not touched")
}

func runConcurrentClaims(t *testing.T, store syncstore.Store) {
	q, _ := newQueue(t, store)
	for i := range 5 {
		accept(t, q, "turn"+string(rune('a'+i)), "k"+string(rune('a'+i)))
	}

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims []*Claimed
		errs   []error
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := q.Claim(context.Background(), alice, "th1", "worker", 0)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if c != nil {
				claims = append(claims, c)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, claims, 1)

	active := 0
	require.NoError(t, store.WithinTx(context.Background(), func(tx syncstore.Tx) error {
		ds, err := tx.ListDispatches(context.Background(), "tenant", "th1", activeStatuses, 100)
		active = len(ds)
		return err
	}))
	require.Equal(t, 1, active)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	runConcurrentClaims(t, syncstore.NewInMemoryStore())
}

func TestClaim_ConcurrentSingleWinnerOnSQLite(t *testing.T) {
	dsn, err := syncstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "sync.db"), syncstore.DriverMattn)
	require.NoError(t, err)
	store, err := syncstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	runConcurrentClaims(t, store)
}
