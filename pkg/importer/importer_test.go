package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

var alice = model.Actor{TenantID: "tenant", UserID: "alice", DeviceID: "laptop"}

func fixedNow() time.Time { return time.UnixMilli(2_000_000) }

func item(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

// history builds n completed turns, each with a user and an agent message.
func history(t *testing.T, n int) []SnapshotTurn {
	turns := make([]SnapshotTurn, 0, n)
	for i := range n {
		id := fmt.Sprintf("turn-%03d", i)
		turns = append(turns, SnapshotTurn{
			ID:     id,
			Status: "completed",
			Items: []json.RawMessage{
				item(t, map[string]any{"id": id + "-u", "type": "userMessage", "content": []map[string]any{{"type": "text", "text": "hi"}}}),
				item(t, map[string]any{"id": id + "-a", "type": "agentMessage", "text": "hello"}),
			},
		})
	}
	return turns
}

type env struct {
	store    syncstore.Store
	pipeline *ingest.Pipeline
	registry *sessions.Registry
}

func newEnv(t *testing.T, maxPerCall int) *env {
	t.Helper()
	store := syncstore.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	reg, err := sessions.NewRegistry(sessions.RegistryConfig{Store: store, Now: fixedNow})
	require.NoError(t, err)
	opts := ingest.DefaultOptions()
	opts.MaxDeltasPerCall = maxPerCall
	p, err := ingest.NewPipeline(ingest.PipelineConfig{
		Store:    store,
		Sessions: reg,
		Jobs:     &jobs.RecordingPublisher{},
		Options:  &opts,
		Now:      fixedNow,
	})
	require.NoError(t, err)
	return &env{store: store, pipeline: p, registry: reg}
}

func TestBuildThreadImportDeltas(t *testing.T) {
	turns := []SnapshotTurn{
		{ID: "t1", Status: "completed", Items: []json.RawMessage{
			item(t, map[string]any{"id": "m1", "type": "agentMessage", "text": "a"}),
			item(t, map[string]any{"type": "plan", "text": "generated"}),
			item(t, map[string]any{"id": "m3"}),
			item(t, map[string]any{"type": "somethingNew"}),
		}},
		{ID: "t2", Status: "inProgress"},
		{Status: "completed"},
		{ID: "t3", Status: "failed"},
	}
	deltas, diag, err := BuildThreadImportDeltas("snap", "conv", turns, 100)
	require.NoError(t, err)

	require.Equal(t, Diagnostics{
		Turns:               3,
		SkippedTurns:        1,
		Items:               4,
		RenderableItems:     2,
		GeneratedMessageIDs: 1,
		SkippedMissingType:  1,
	}, diag)

	var kinds []string
	for _, d := range deltas {
		kinds = append(kinds, d.TurnID+" "+d.Kind)
	}
	require.Equal(t, []string{
		"t1 turn/started", "t1 item/completed", "t1 item/completed", "t1 item/completed", "t1 turn/completed",
		"t2 turn/started",
		"t3 turn/started", "t3 turn/completed",
	}, kinds)

	first := deltas[0]
	require.Equal(t, "thread-import:snap:conv:t1:import", first.StreamID)
	require.Equal(t, "thread-import:snap:conv:t1:1", first.EventID)
	require.Equal(t, int64(0), first.CursorStart)
	require.Equal(t, int64(100), first.CreatedAtMs)
	require.Equal(t, int64(4), deltas[4].CursorStart)
	require.Equal(t, int64(0), deltas[5].CursorStart, "cursors restart per turn stream")
	require.Equal(t, int64(107), deltas[7].CreatedAtMs)
	require.Contains(t, deltas[2].PayloadJSON, `"id":"t1:item:1"`)
	require.Contains(t, deltas[3].PayloadJSON, `"id":"t1:item:3"`, "non-renderable items still get an id")
	require.Contains(t, deltas[7].PayloadJSON, "Turn failed during thread import.")
}

func TestImportChecksum(t *testing.T) {
	turns := []SnapshotTurn{{ID: "t1", Status: "completed", Items: []json.RawMessage{
		item(t, map[string]any{"id": "m1", "type": "agentMessage", "text": "a"}),
		item(t, map[string]any{"id": "m2", "type": "somethingNew"}),
		item(t, map[string]any{"id": "m3", "type": "userMessage"}),
	}}}
	deltas, diag, err := BuildThreadImportDeltas("snap", "conv", turns, 100)
	require.NoError(t, err)
	require.Len(t, deltas, 5)

	sum, counted, err := ImportChecksum(deltas, 2)
	require.NoError(t, err)
	require.Equal(t, diag.RenderableItems, counted)
	require.Regexp(t, `^3:2:[1-9][0-9]*$`, sum)

	again, _, err := ImportChecksum(deltas, 2)
	require.NoError(t, err)
	require.Equal(t, sum, again)

	empty, counted, err := ImportChecksum(nil, 2)
	require.NoError(t, err)
	require.Equal(t, "0:0:0", empty)
	require.Zero(t, counted)
}

func TestImport_BisectsOversizedChunks(t *testing.T) {
	e := newEnv(t, 40)
	im, err := NewImporter(ImporterConfig{Ingester: e.pipeline, Sessions: e.registry, Now: fixedNow})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := im.Import(ctx, alice, ImportRequest{ThreadID: "th1", Turns: history(t, 80)})
	require.NoError(t, err)
	require.Equal(t, SyncStateSynced, res.SyncState)
	require.Equal(t, 80, res.ImportedTurnCount)
	require.Equal(t, 160, res.ImportedMessageCount)
	require.Regexp(t, `^3:160:[1-9][0-9]*$`, res.Diagnostics.Checksum)
	require.Equal(t, 320, res.DeltaCount)
	require.Greater(t, res.SplitCount, 0)
	require.Empty(t, res.Warnings)
	require.Contains(t, res.SessionID, "thread-import-")

	require.NoError(t, e.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		for _, turnID := range []string{"turn-000", "turn-040", "turn-079"} {
			turn, found, err := tx.GetTurn(ctx, "tenant", "th1", turnID)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, model.TurnCompleted, turn.Status)
			msgs, err := tx.ListMessages(ctx, "tenant", "th1", turnID, "", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
		}
		return nil
	}))
}

func TestImport_ParallelLanes(t *testing.T) {
	e := newEnv(t, 3)
	im, err := NewImporter(ImporterConfig{Ingester: e.pipeline, Sessions: e.registry, ChunkSize: 8, Concurrency: 4, Now: fixedNow})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := im.Import(ctx, alice, ImportRequest{ThreadID: "th1", SessionID: "import-1", Turns: history(t, 12)})
	require.NoError(t, err)
	require.Equal(t, SyncStateSynced, res.SyncState)
	require.Equal(t, "import-1", res.SessionID)

	require.NoError(t, e.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		for i := range 12 {
			turn, found, err := tx.GetTurn(ctx, "tenant", "th1", fmt.Sprintf("turn-%03d", i))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, model.TurnCompleted, turn.Status)
		}
		return nil
	}))
}

type rejectingIngester struct {
	mu    sync.Mutex
	sizes []int
}

func (r *rejectingIngester) IngestSafe(_ context.Context, _ model.Actor, req ingest.IngestRequest) ingest.SafeResult {
	r.mu.Lock()
	r.sizes = append(r.sizes, len(req.StreamDeltas))
	r.mu.Unlock()
	return ingest.SafeResult{
		Status: ingest.SafeRejected,
		Errors: []ingest.SafeError{{Code: syncerr.CodeResourceLimit, Message: "too many reads"}},
	}
}

func TestImport_IrreducibleChunk(t *testing.T) {
	e := newEnv(t, 0)
	ing := &rejectingIngester{}
	im, err := NewImporter(ImporterConfig{Ingester: ing, Sessions: e.registry, ChunkSize: 4, Now: fixedNow})
	require.NoError(t, err)

	_, err = im.Import(context.Background(), alice, ImportRequest{ThreadID: "th1", Turns: history(t, 1)})
	require.Equal(t, syncerr.CodeIrreducibleChunk, syncerr.CodeOf(err))
	require.Equal(t, []int{4, 2, 1}, ing.sizes, "bisection stops at the first irreducible delta")
}

type foreignIngester struct{}

func (foreignIngester) IngestSafe(context.Context, model.Actor, ingest.IngestRequest) ingest.SafeResult {
	return ingest.SafeResult{
		Status: ingest.SafeRejected,
		Errors: []ingest.SafeError{{Code: syncerr.CodeOutOfOrder, Message: "cursor regression"}},
	}
}

func TestImport_OtherRejectionsAreTerminal(t *testing.T) {
	e := newEnv(t, 0)
	im, err := NewImporter(ImporterConfig{Ingester: foreignIngester{}, Sessions: e.registry, Now: fixedNow})
	require.NoError(t, err)

	_, err = im.Import(context.Background(), alice, ImportRequest{ThreadID: "th1", Turns: history(t, 2)})
	require.Equal(t, syncerr.CodeOutOfOrder, syncerr.CodeOf(err))

	_, err = im.Import(context.Background(), alice, ImportRequest{Turns: history(t, 1)})
	require.Equal(t, syncerr.CodeInvalidArgument, syncerr.CodeOf(err))
}

func TestImport_EmptyHistory(t *testing.T) {
	e := newEnv(t, 0)
	im, err := NewImporter(ImporterConfig{Ingester: e.pipeline, Sessions: e.registry, Now: fixedNow})
	require.NoError(t, err)

	res, err := im.Import(context.Background(), alice, ImportRequest{ThreadID: "th1"})
	require.NoError(t, err)
	require.Equal(t, SyncStateSynced, res.SyncState)
	require.Zero(t, res.DeltaCount)
}
