package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/deletion"
	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/runtimeevents"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/streams"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := syncstore.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	pub := &jobs.RecordingPublisher{}

	reg, err := sessions.NewRegistry(sessions.RegistryConfig{Store: store})
	require.NoError(t, err)
	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{Store: store, Sessions: reg, Jobs: pub})
	require.NoError(t, err)
	replayer, err := streams.NewReplayer(streams.ReplayerConfig{Store: store})
	require.NoError(t, err)
	manager, err := streams.NewManager(streams.ManagerConfig{Store: store, Jobs: pub})
	require.NoError(t, err)
	del, err := deletion.NewService(deletion.ServiceConfig{Store: store, Jobs: pub})
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{
		Pipeline: pipeline,
		Sessions: reg,
		Replayer: replayer,
		Streams:  manager,
		Deletion: del,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, user, path string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set(HeaderTenantID, "tenant")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	req.Header.Set(HeaderDeviceID, "laptop")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func turnDeltas(t *testing.T, streamID, turnID string) []model.Delta {
	t.Helper()
	mk := func(i int64, eventID, kind string, params any) model.Delta {
		p, err := runtimeevents.Payload(kind, params)
		require.NoError(t, err)
		return model.Delta{
			EventID: eventID, StreamID: streamID, TurnID: turnID, Kind: kind, PayloadJSON: p,
			CursorStart: i, CursorEnd: i + 1, CreatedAtMs: i + 1,
		}
	}
	item := map[string]any{"id": "m1", "type": "agentMessage", "text": "hi"}
	return []model.Delta{
		mk(0, "e1", runtimeevents.KindTurnStarted, map[string]any{"turn": map[string]any{"id": turnID}}),
		mk(1, "e2", runtimeevents.KindItemCompleted, map[string]any{"turnId": turnID, "item": item}),
		mk(2, "e3", runtimeevents.KindTurnCompleted, map[string]any{"turn": map[string]any{"id": turnID, "status": "completed"}}),
	}
}

func TestHeartbeatIngestReplay(t *testing.T) {
	ts := newTestServer(t)

	var hb HeartbeatResponse
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/sessions/heartbeat",
		HeartbeatRequest{SessionID: "s1", ThreadID: "th1"}, &hb))
	require.Equal(t, sessions.EnsureCreated, hb.Status)
	require.Equal(t, "s1", hb.Session.SessionID)

	batch := ingest.BatchFromRequest(ingest.IngestRequest{
		SessionID:    "s1",
		ThreadID:     "th1",
		StreamDeltas: turnDeltas(t, "st1", "t1"),
	})
	var res ingest.SafeResult
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/ingest", batch, &res))
	require.Equal(t, ingest.SafeOK, res.Status)
	require.Len(t, res.AckedStreams, 1)
	require.Equal(t, int64(3), res.AckedStreams[0].AckCursorEnd)

	var pulled streams.PullResult
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/replay",
		streams.PullRequest{ThreadID: "th1", StreamCursors: []streams.StreamCursor{{StreamID: "st1"}}}, &pulled))
	require.Len(t, pulled.Deltas, 3)
	require.Equal(t, int64(3), pulled.NextCursors[0].Cursor)

	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/checkpoints",
		CheckpointRequest{ThreadID: "th1", StreamID: "st1", Cursor: 3}, nil))
	var cps []model.StreamCheckpoint
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/checkpoints/list", CheckpointRequest{ThreadID: "th1"}, &cps))
	require.Len(t, cps, 1)
}

func TestIngestRejectionsStayInBody(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/sessions/heartbeat",
		HeartbeatRequest{SessionID: "s1", ThreadID: "th1"}, nil))

	deltas := turnDeltas(t, "st1", "t1")
	batch := ingest.BatchFromRequest(ingest.IngestRequest{SessionID: "s1", ThreadID: "th1", StreamDeltas: deltas[:2]})
	var res ingest.SafeResult
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/ingest", batch, &res))
	require.Equal(t, ingest.SafeOK, res.Status)

	// A new event that rewinds the stream cursor.
	rewind := deltas[1]
	rewind.EventID = "e9"
	rewind.CursorStart, rewind.CursorEnd = 0, 1
	batch = ingest.BatchFromRequest(ingest.IngestRequest{SessionID: "s1", ThreadID: "th1", StreamDeltas: []model.Delta{rewind}})
	res = ingest.SafeResult{}
	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/ingest", batch, &res))
	require.Equal(t, ingest.SafeRejected, res.Status)
	require.Equal(t, syncerr.CodeOutOfOrder, res.Errors[0].Code)
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusUnauthorized, call(t, ts, "", "/v1/sessions/heartbeat", HeartbeatRequest{}, nil))

	var body map[string]errorBody
	require.Equal(t, http.StatusBadRequest, call(t, ts, "alice", "/v1/ingest", map[string]any{"threadId": "th1"}, &body))
	require.Equal(t, syncerr.CodeInvalidBatch, body["error"].Code)

	require.Equal(t, http.StatusOK, call(t, ts, "alice", "/v1/sessions/heartbeat",
		HeartbeatRequest{SessionID: "s1", ThreadID: "th1"}, nil))
	require.Equal(t, http.StatusForbidden, call(t, ts, "bob", "/v1/sessions/heartbeat",
		HeartbeatRequest{SessionID: "s2", ThreadID: "th1"}, &body))
	require.Equal(t, syncerr.CodeAuthThreadForbidden, body["error"].Code)

	require.Equal(t, http.StatusNotFound, call(t, ts, "alice", "/v1/deletions/get", DeletionRef{DeletionJobID: "missing"}, nil))
	require.Equal(t, http.StatusBadRequest, call(t, ts, "alice", "/v1/deletions",
		ScheduleDeletionRequest{Kind: "galaxy"}, nil))

	// Routes for services that were not configured are absent.
	require.Equal(t, http.StatusNotFound, call(t, ts, "alice", "/v1/dispatch/accept", map[string]any{}, nil))
}

func TestStatusFor(t *testing.T) {
	cases := map[syncerr.Code]int{
		syncerr.CodeThreadNotFound:       http.StatusNotFound,
		syncerr.CodeResourceLimit:        http.StatusRequestEntityTooLarge,
		syncerr.CodeInvalidArgument:      http.StatusBadRequest,
		syncerr.CodeAuthTurnForbidden:    http.StatusForbidden,
		syncerr.CodeSessionNotFound:      http.StatusConflict,
		syncerr.CodeOutOfOrder:           http.StatusConflict,
		syncerr.CodeClaimTokenMismatch:   http.StatusConflict,
		syncerr.CodeInvalidDeletionState: http.StatusConflict,
		syncerr.CodeUnknown:              http.StatusInternalServerError,
	}
	for code, status := range cases {
		require.Equal(t, status, StatusFor(syncerr.New(code, "x")), code)
	}
	require.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

func TestWebSocketFrames(t *testing.T) {
	ts := newTestServer(t)
	header := http.Header{}
	header.Set(HeaderTenantID, "tenant")
	header.Set(HeaderUserID, "alice")
	header.Set(HeaderDeviceID, "laptop")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	roundTrip := func(frame any) map[string]json.RawMessage {
		require.NoError(t, conn.WriteJSON(frame))
		var out map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&out))
		return out
	}

	out := roundTrip(Frame{Type: FramePing, ID: "p"})
	require.JSONEq(t, `"pong"`, string(out["type"]))

	out = roundTrip(Frame{Type: FrameHeartbeat, ID: "1", SessionID: "s1", ThreadID: "th1"})
	require.JSONEq(t, `"1"`, string(out["id"]))
	require.JSONEq(t, `true`, string(out["ok"]))

	batch, err := json.Marshal(ingest.BatchFromRequest(ingest.IngestRequest{
		SessionID:    "s1",
		ThreadID:     "th1",
		StreamDeltas: turnDeltas(t, "st1", "t1"),
	}))
	require.NoError(t, err)
	out = roundTrip(Frame{Type: FrameIngest, ID: "2", Batch: batch})
	require.JSONEq(t, `true`, string(out["ok"]))
	var res ingest.SafeResult
	require.NoError(t, json.Unmarshal(out["result"], &res))
	require.Equal(t, ingest.SafeOK, res.Status)

	out = roundTrip(Frame{Type: "teleport", ID: "3"})
	require.JSONEq(t, `false`, string(out["ok"]))
	var eb errorBody
	require.NoError(t, json.Unmarshal(out["error"], &eb))
	require.Equal(t, syncerr.CodeInvalidArgument, eb.Code)
}
