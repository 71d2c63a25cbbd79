package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/config"
	"github.com/go-go-golems/threadsync/pkg/importer"
	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/streams"
)

func TestParseStreamCursors(t *testing.T) {
	got, err := parseStreamCursors([]string{"st1", "st2@7"})
	require.NoError(t, err)
	require.Equal(t, []streams.StreamCursor{{StreamID: "st1"}, {StreamID: "st2", Cursor: 7}}, got)

	_, err = parseStreamCursors([]string{"st@x"})
	require.Error(t, err)
}

func TestParseZerologLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseZerologLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, parseZerologLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, parseZerologLevel("bogus"))
}

func TestOneShotAppImportsAndSettles(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: config.StoreMemory}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, false)
	require.NoError(t, err)
	defer a.Close()
	require.Nil(t, a.bus)

	actor := model.Actor{TenantID: "default", UserID: "alice", DeviceID: "cli"}
	res, err := a.importer.Import(ctx, actor, importer.ImportRequest{
		ThreadID: "th1",
		Turns: []importer.SnapshotTurn{{
			ID:     "t1",
			Status: "completed",
			Items:  []json.RawMessage{json.RawMessage(`{"id":"m1","type":"agentMessage","text":"hi"}`)},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, importer.SyncStateSynced, res.SyncState)
	require.NotEmpty(t, a.recorder.OfKind(jobs.KindFinalizeTurn))

	require.NoError(t, a.settle(ctx, false))
	require.Empty(t, a.recorder.Jobs())
}
