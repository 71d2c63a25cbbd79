package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
)

func runTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewInMemoryBus(zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
		<-done
	})
	select {
	case <-bus.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not start")
	}
	return bus
}

func TestBus_DispatchesByKind(t *testing.T) {
	bus := runTestBus(t)
	got := make(chan Job, 4)
	bus.Handle(KindFinalizeTurn, func(_ context.Context, job Job) error {
		got <- job
		return nil
	})

	id, err := bus.Publish(context.Background(), Job{
		Kind:     KindFinalizeTurn,
		TenantID: "t", ThreadID: "th", TurnID: "turn",
		Terminal: &model.TerminalStatus{Status: model.TurnFailed, Error: "boom"},
	}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case job := <-got:
		require.Equal(t, id, job.ID)
		require.Equal(t, "turn", job.TurnID)
		require.Equal(t, model.TurnFailed, job.Terminal.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("job not delivered")
	}
}

func TestBus_DelayedPublish(t *testing.T) {
	bus := runTestBus(t)
	got := make(chan Job, 1)
	bus.Handle(KindStreamCleanup, func(_ context.Context, job Job) error {
		got <- job
		return nil
	})

	_, err := bus.Publish(context.Background(), Job{Kind: KindStreamCleanup, StreamID: "s"}, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, bus.PendingDelayed())

	select {
	case job := <-got:
		require.Equal(t, "s", job.StreamID)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job not delivered")
	}
	require.Equal(t, 0, bus.PendingDelayed())
}

func TestBus_FailingHandlerIsRetriedThenDropped(t *testing.T) {
	bus := runTestBus(t)
	attempts := make(chan struct{}, 16)
	bus.Handle(KindDeletionRun, func(_ context.Context, job Job) error {
		attempts <- struct{}{}
		return errors.New("always fails")
	})
	ok := make(chan struct{}, 1)
	bus.Handle(KindDeltasCleanupExpired, func(_ context.Context, job Job) error {
		ok <- struct{}{}
		return nil
	})

	_, err := bus.Publish(context.Background(), Job{Kind: KindDeletionRun}, 0)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), Job{Kind: KindDeltasCleanupExpired}, 0)
	require.NoError(t, err)

	select {
	case <-ok:
	case <-time.After(10 * time.Second):
		t.Fatal("topic blocked by failing job")
	}
	require.GreaterOrEqual(t, len(attempts), 2)
}

func TestRecordingPublisher(t *testing.T) {
	p := &RecordingPublisher{}
	_, err := p.Publish(context.Background(), Job{Kind: KindStreamCleanup}, time.Minute)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), Job{Kind: KindFinalizeTurn}, 0)
	require.NoError(t, err)

	require.Len(t, p.OfKind(KindStreamCleanup), 1)
	require.Equal(t, time.Minute, p.OfKind(KindStreamCleanup)[0].Delay)
	require.Len(t, p.Drain(), 2)
	require.Empty(t, p.Jobs())

	p.Err = errors.New("down")
	_, err = p.Publish(context.Background(), Job{Kind: KindStreamCleanup}, 0)
	require.Error(t, err)
}

func TestUnmarshalJobRejectsMissingKind(t *testing.T) {
	_, err := UnmarshalJob([]byte(`{"id":"x"}`))
	require.Error(t, err)
}
