package serverrequests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

var alice = model.Actor{TenantID: "tenant", UserID: "alice", DeviceID: "laptop"}

func newMirror(t *testing.T) (*Mirror, *time.Time) {
	t.Helper()
	store := syncstore.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	now := time.UnixMilli(5_000)
	m, err := NewMirror(MirrorConfig{Store: store, Now: func() time.Time { return now }})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.WithinTx(ctx, func(tx syncstore.Tx) error {
		for _, th := range []string{"th1", "th2"} {
			require.NoError(t, tx.PutThread(ctx, model.Thread{TenantID: "tenant", ThreadID: th, UserID: "alice", Status: model.ThreadActive}))
			require.NoError(t, tx.PutTurn(ctx, model.Turn{TenantID: "tenant", ThreadID: th, TurnID: "turn1", UserID: "alice", Status: model.TurnInProgress}))
		}
		return nil
	}))
	return m, &now
}

func pending(threadID string, id model.RequestID, at int64) PendingRequest {
	return PendingRequest{
		RequestID:     id,
		ThreadID:      threadID,
		TurnID:        "turn1",
		ItemID:        "item-" + id.String(),
		Method:        model.MethodCommandApproval,
		PayloadJSON:   `{"command":"ls"}`,
		RequestedAtMs: at,
	}
}

func TestUpsertAndListPending(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertPending(ctx, alice, pending("th1", model.NumericRequestID(7), 100)))
	require.NoError(t, m.UpsertPending(ctx, alice, pending("th1", model.StringRequestID("7"), 200)))
	require.NoError(t, m.UpsertPending(ctx, alice, pending("th2", model.StringRequestID("x"), 300)))

	views, err := m.ListPending(ctx, alice, "th1", 0)
	require.NoError(t, err)
	require.Len(t, views, 2, "numeric and string ids do not collide")
	require.Equal(t, model.StringRequestID("7"), views[0].RequestID)
	require.Equal(t, model.NumericRequestID(7), views[1].RequestID)

	all, err := m.ListPending(ctx, alice, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "th2", all[0].ThreadID)

	limited, err := m.ListPending(ctx, alice, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestResolveAppliesOnce(t *testing.T) {
	m, now := newMirror(t)
	ctx := context.Background()
	id := model.NumericRequestID(1)
	require.NoError(t, m.UpsertPending(ctx, alice, pending("th1", id, 100)))

	*now = time.UnixMilli(6_000)
	applied, err := m.Resolve(ctx, alice, "th1", id, model.ServerRequestAnswered, `{"decision":"accept"}`)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = m.Resolve(ctx, alice, "th1", id, model.ServerRequestExpired, "")
	require.NoError(t, err)
	require.False(t, applied)

	views, err := m.ListPending(ctx, alice, "th1", 0)
	require.NoError(t, err)
	require.Empty(t, views)

	require.NoError(t, m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		sr, found, err := tx.GetServerRequest(ctx, "tenant", "th1", id.Key())
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, model.ServerRequestAnswered, sr.Status)
		require.Equal(t, int64(6_000), sr.ResolvedAtMs)
		require.JSONEq(t, `{"decision":"accept"}`, sr.ResponseJSON)
		return nil
	}))

	// Re-sending the request reopens it.
	require.NoError(t, m.UpsertPending(ctx, alice, pending("th1", id, 100)))
	views, err = m.ListPending(ctx, alice, "th1", 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Empty(t, views[0].ResponseJSON)
}

func TestQuestions(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()
	req := pending("th1", model.StringRequestID("q"), 100)
	req.Method = model.MethodToolUserInput
	req.QuestionsJSON = `[{"id":"a","header":"H","question":"Which?","isOther":false,"isSecret":false,"options":null}]`
	require.NoError(t, m.UpsertPending(ctx, alice, req))

	views, err := m.ListPending(ctx, alice, "th1", 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Len(t, views[0].Questions, 1)
	require.Equal(t, "Which?", views[0].Questions[0].Question)

	bad := pending("th1", model.StringRequestID("bad"), 100)
	bad.QuestionsJSON = `[{"id":"a"}]`
	err = m.UpsertPending(ctx, alice, bad)
	require.Equal(t, syncerr.CodeInvalidArgument, syncerr.CodeOf(err))
}

func TestRejections(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	req := pending("th1", model.StringRequestID("r"), 100)
	req.Method = "item/unknown"
	require.Equal(t, syncerr.CodeInvalidArgument, syncerr.CodeOf(m.UpsertPending(ctx, alice, req)))

	req = pending("th1", model.StringRequestID("r"), 100)
	req.TurnID = "missing"
	require.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(m.UpsertPending(ctx, alice, req)))

	bob := model.Actor{TenantID: "tenant", UserID: "bob", DeviceID: "d"}
	require.Equal(t, syncerr.CodeAuthThreadForbidden, syncerr.CodeOf(m.UpsertPending(ctx, bob, pending("th1", model.StringRequestID("r"), 1))))

	_, err := m.Resolve(ctx, alice, "th1", model.StringRequestID("nope"), model.ServerRequestAnswered, "")
	require.Equal(t, syncerr.CodeNotFound, syncerr.CodeOf(err))
	_, err = m.Resolve(ctx, alice, "th1", model.StringRequestID("nope"), model.ServerRequestPending, "")
	require.Equal(t, syncerr.CodeInvalidArgument, syncerr.CodeOf(err))
}

func TestRequestIDJSON(t *testing.T) {
	var req PendingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"requestId": 42, "threadId": "th1"}`), &req))
	require.Equal(t, model.NumericRequestID(42), req.RequestID)
	require.NoError(t, json.Unmarshal([]byte(`{"requestId": "42", "threadId": "th1"}`), &req))
	require.Equal(t, model.StringRequestID("42"), req.RequestID)
}
