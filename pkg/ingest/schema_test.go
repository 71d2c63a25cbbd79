package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

func TestDecodeBatch(t *testing.T) {
	raw := []byte(`{
		"sessionId": "s1",
		"threadId": "th1",
		"deltas": [
			{"type": "stream_delta", "eventId": "e1", "streamId": "st", "turnId": "t1",
			 "kind": "turn/started", "payloadJson": "{}", "cursorStart": 0, "cursorEnd": 1, "createdAt": 1},
			{"type": "lifecycle_event", "eventId": "l1", "kind": "error", "payloadJson": "{}", "createdAt": 2}
		]
	}`)
	req, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Equal(t, "s1", req.SessionID)
	require.Len(t, req.StreamDeltas, 1)
	require.Len(t, req.LifecycleEvents, 1)
	require.Equal(t, int64(1), req.StreamDeltas[0].CursorEnd)
}

func TestDecodeBatch_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing deltas":      `{"sessionId":"s1","threadId":"th1"}`,
		"empty deltas":        `{"sessionId":"s1","threadId":"th1","deltas":[]}`,
		"stream without ids":  `{"sessionId":"s1","threadId":"th1","deltas":[{"type":"stream_delta","eventId":"e","kind":"k","payloadJson":"{}","createdAt":1}]}`,
		"unknown type":        `{"sessionId":"s1","threadId":"th1","deltas":[{"type":"other","eventId":"e","kind":"k","payloadJson":"{}","createdAt":1}]}`,
		"unexpected property": `{"sessionId":"s1","threadId":"th1","deltas":[],"extra":true}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBatch([]byte(raw))
			require.Error(t, err)
			require.True(t, syncerr.Is(err, syncerr.CodeInvalidBatch))
		})
	}
}

func TestBatchFromRequestRoundTrip(t *testing.T) {
	req := IngestRequest{
		SessionID:       "s1",
		ThreadID:        "th1",
		StreamDeltas:    []model.Delta{{EventID: "e1", StreamID: "st", Kind: "k", PayloadJSON: "{}", CursorEnd: 1}},
		LifecycleEvents: []model.Delta{{EventID: "l1", Kind: "k", PayloadJSON: "{}"}},
	}
	raw, err := json.Marshal(BatchFromRequest(req))
	require.NoError(t, err)
	back, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Len(t, back.StreamDeltas, 1)
	require.Len(t, back.LifecycleEvents, 1)
	require.Equal(t, model.DeltaStream, back.StreamDeltas[0].Type)
}
