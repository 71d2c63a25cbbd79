package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/deletion"
	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/runtimeevents"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/streams"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

var alice = model.Actor{TenantID: "tenant", UserID: "alice", DeviceID: "laptop"}

type fixture struct {
	store    syncstore.Store
	clock    *fakeClock
	rec      *jobs.RecordingPublisher
	sessions *sessions.Registry
	queue    *dispatch.Queue
	deletion *deletion.Service
	workers  *Workers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := syncstore.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	rec := &jobs.RecordingPublisher{}

	reg, err := sessions.NewRegistry(sessions.RegistryConfig{Store: store, Now: clock.Now})
	require.NoError(t, err)
	mgr, err := streams.NewManager(streams.ManagerConfig{Store: store, Jobs: rec, Now: clock.Now})
	require.NoError(t, err)
	q, err := dispatch.NewQueue(dispatch.QueueConfig{Store: store, Now: clock.Now})
	require.NoError(t, err)
	del, err := deletion.NewService(deletion.ServiceConfig{Store: store, Jobs: rec, Now: clock.Now})
	require.NoError(t, err)
	w, err := NewWorkers(WorkersConfig{
		Streams:  mgr,
		Sessions: reg,
		Dispatch: q,
		Deletion: del,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	_, _, err = reg.EnsureThread(context.Background(), alice, "th1")
	require.NoError(t, err)
	return &fixture{store: store, clock: clock, rec: rec, sessions: reg, queue: q, deletion: del, workers: w}
}

func (f *fixture) tx(t *testing.T, fn func(tx syncstore.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.WithinTx(context.Background(), fn))
}

// startTurn accepts, claims and starts a dispatch for turn1 and opens a
// stream with two retained deltas for it.
func (f *fixture) startTurn(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	acc, err := f.queue.Accept(ctx, alice, dispatch.AcceptRequest{
		ThreadID: "th1", TurnID: "turn1", IdempotencyKey: "k1",
		Input: []dispatch.InputItem{{Type: "text", Text: "hi"}},
	})
	require.NoError(t, err)
	claim, err := f.queue.Claim(ctx, alice, "th1", "worker", 0)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, f.queue.MarkStarted(ctx, alice, "th1", claim.DispatchID, claim.ClaimToken, "", ""))

	f.tx(t, func(tx syncstore.Tx) error {
		require.NoError(t, tx.PutStream(ctx, model.Stream{
			TenantID: "tenant", ThreadID: "th1", StreamID: "st1", TurnID: "turn1", State: model.StreamStreaming,
		}))
		for i := range 2 {
			require.NoError(t, tx.InsertStreamDelta(ctx, model.StreamDelta{
				TenantID: "tenant", ThreadID: "th1", TurnID: "turn1", StreamID: "st1",
				EventID:     []string{"e1", "e2"}[i],
				Kind:        runtimeevents.KindTurnStarted,
				PayloadJSON: "{}",
				CursorStart: int64(i),
				CursorEnd:   int64(i + 1),
				ExpiresAtMs: f.clock.t.Add(time.Hour).UnixMilli(),
			}))
		}
		return nil
	})
	return acc.DispatchID
}

func TestHandleJob_FinalizeTurnSettlesDispatchAndStreams(t *testing.T) {
	f := newFixture(t)
	dispatchID := f.startTurn(t)
	ctx := context.Background()

	err := f.workers.HandleJob(ctx, jobs.Job{
		Kind: jobs.KindFinalizeTurn, TenantID: "tenant", ThreadID: "th1", TurnID: "turn1",
		Terminal: &model.TerminalStatus{Status: model.TurnCompleted},
	})
	require.NoError(t, err)

	st, err := f.queue.GetState(ctx, alice, "th1", dispatchID, "")
	require.NoError(t, err)
	require.Equal(t, model.DispatchCompleted, st.Status)

	cleanups := f.rec.OfKind(jobs.KindStreamCleanup)
	require.Len(t, cleanups, 1)
	require.Positive(t, cleanups[0].Delay)

	// Without delayed jobs nothing is cleaned up yet.
	ran, err := f.workers.DrainRecorded(ctx, f.rec, false)
	require.NoError(t, err)
	require.Zero(t, ran)
	f.tx(t, func(tx syncstore.Tx) error {
		_, found, err := tx.GetStream(ctx, "tenant", "th1", "st1")
		require.NoError(t, err)
		require.True(t, found)
		return nil
	})

	// Running the cleanup job removes the ended stream.
	require.NoError(t, f.workers.HandleJob(ctx, jobs.Job{
		Kind: jobs.KindStreamCleanup, TenantID: "tenant", ThreadID: "th1", StreamID: "st1",
	}))
	_, err = f.workers.DrainRecorded(ctx, f.rec, true)
	require.NoError(t, err)
	f.tx(t, func(tx syncstore.Tx) error {
		_, found, err := tx.GetStream(ctx, "tenant", "th1", "st1")
		require.NoError(t, err)
		require.False(t, found)
		deltas, err := tx.ListStreamDeltas(ctx, "tenant", "th1", "st1", 0, 0)
		require.NoError(t, err)
		require.Empty(t, deltas)
		return nil
	})
}

func TestHandleJob_FinalizeWithoutTerminalIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workers.HandleJob(context.Background(), jobs.Job{Kind: jobs.KindFinalizeTurn, TenantID: "tenant", ThreadID: "th1", TurnID: "turn1"}))
	require.Error(t, f.workers.HandleJob(context.Background(), jobs.Job{Kind: "bogus"}))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.EnsureSession(ctx, alice, "s1", "th1", 0)
	require.NoError(t, err)
	f.startTurn(t)

	res, err := f.workers.Sweep(ctx, f.clock.t.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)

	res, err = f.workers.Sweep(ctx, f.clock.t.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.TimedOutSessions)
	require.Equal(t, 2, res.ExpiredDeltas)
	require.False(t, res.MoreExpired)

	f.tx(t, func(tx syncstore.Tx) error {
		s, _, err := tx.GetSession(ctx, "tenant", "s1")
		require.NoError(t, err)
		require.Equal(t, model.SessionTimedOut, s.Status)
		return nil
	})
}

func TestHandleJob_SessionsTimeoutStaleUsesJobCutoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.EnsureSession(ctx, alice, "s1", "th1", 0)
	require.NoError(t, err)
	carol := model.Actor{TenantID: "other", UserID: "carol", DeviceID: "phone"}
	_, _, err = f.sessions.EnsureThread(ctx, carol, "th9")
	require.NoError(t, err)
	_, err = f.sessions.EnsureSession(ctx, carol, "s9", "th9", 0)
	require.NoError(t, err)

	require.NoError(t, f.workers.HandleJob(ctx, jobs.Job{Kind: jobs.KindSessionsTimeoutStale, TenantID: "tenant", StaleBeforeMs: f.clock.t.UnixMilli() - 1}))
	f.tx(t, func(tx syncstore.Tx) error {
		s, _, err := tx.GetSession(ctx, "tenant", "s1")
		require.NoError(t, err)
		require.Equal(t, model.SessionActive, s.Status)
		return nil
	})

	require.NoError(t, f.workers.HandleJob(ctx, jobs.Job{Kind: jobs.KindSessionsTimeoutStale, TenantID: "tenant", StaleBeforeMs: f.clock.t.UnixMilli() + 1}))
	f.tx(t, func(tx syncstore.Tx) error {
		s, _, err := tx.GetSession(ctx, "tenant", "s1")
		require.NoError(t, err)
		require.Equal(t, model.SessionTimedOut, s.Status)
		other, _, err := tx.GetSession(ctx, "other", "s9")
		require.NoError(t, err)
		require.Equal(t, model.SessionActive, other.Status, "the job only sweeps its own tenant")
		return nil
	})
}

func TestDeletionRunsThroughDrain(t *testing.T) {
	f := newFixture(t)
	f.startTurn(t)
	ctx := context.Background()

	sch, err := f.deletion.ScheduleDeleteThread(ctx, alice, "th1", "", time.Second)
	require.NoError(t, err)
	f.clock.t = f.clock.t.Add(time.Minute)
	_, err = f.workers.DrainRecorded(ctx, f.rec, true)
	require.NoError(t, err)

	job, err := f.deletion.Get(ctx, alice, sch.DeletionJobID)
	require.NoError(t, err)
	require.Equal(t, model.DeletionCompleted, job.Status)
	f.tx(t, func(tx syncstore.Tx) error {
		_, found, err := tx.GetThread(ctx, "tenant", "th1")
		require.NoError(t, err)
		require.False(t, found)
		return nil
	})
}

func TestRegisterOnBus(t *testing.T) {
	f := newFixture(t)
	bus, err := jobs.NewInMemoryBus(zerolog.Nop())
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
		<-done
	})
	f.workers.Register(bus)
	<-bus.Running()

	_, err = f.sessions.EnsureSession(context.Background(), alice, "s1", "th1", 0)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), jobs.Job{Kind: jobs.KindSessionsTimeoutStale, StaleBeforeMs: f.clock.t.UnixMilli() + 1}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var status model.SessionStatus
		_ = f.store.WithinTx(context.Background(), func(tx syncstore.Tx) error {
			s, _, err := tx.GetSession(context.Background(), "tenant", "s1")
			status = s.Status
			return err
		})
		return status == model.SessionTimedOut
	}, 5*time.Second, 10*time.Millisecond)
}
