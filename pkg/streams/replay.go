package streams

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const (
	DefaultMaxDeltasPerStreamRead  = 100
	DefaultMaxDeltasPerRequestRead = 1000
	replayStreamListLimit          = 200
)

type StreamCursor struct {
	StreamID string `json:"streamId"`
	Cursor   int64  `json:"cursor"`
}

type PullRequest struct {
	ThreadID string `json:"threadId"`
	// DeviceID selects whose checkpoints are returned. Empty means the
	// actor's device.
	DeviceID                string         `json:"deviceId,omitempty"`
	StreamCursors           []StreamCursor `json:"streamCursors"`
	MaxDeltasPerStreamRead  int            `json:"maxDeltasPerStreamRead,omitempty"`
	MaxDeltasPerRequestRead int            `json:"maxDeltasPerRequestRead,omitempty"`
	// AllowRebase serves a cursor older than retention from the earliest
	// retained delta instead of failing with REPLAY_GAP.
	AllowRebase bool `json:"allowRebase,omitempty"`
}

type WindowStatus string

const (
	WindowOK      WindowStatus = "ok"
	WindowRebased WindowStatus = "rebased"
	WindowStale   WindowStatus = "stale"
)

type StreamWindow struct {
	StreamID          string       `json:"streamId"`
	Status            WindowStatus `json:"status"`
	ServerCursorStart int64        `json:"serverCursorStart"`
	ServerCursorEnd   int64        `json:"serverCursorEnd"`
}

type StreamInfo struct {
	StreamID string            `json:"streamId"`
	TurnID   string            `json:"turnId"`
	State    model.StreamState `json:"state"`
}

type PullResult struct {
	Streams       []StreamInfo             `json:"streams"`
	Deltas        []model.StreamDelta      `json:"deltas"`
	NextCursors   []StreamCursor           `json:"nextCursors"`
	StreamWindows []StreamWindow           `json:"streamWindows"`
	Checkpoints   []model.StreamCheckpoint `json:"checkpoints"`
}

type ReplayerConfig struct {
	Store                   syncstore.Store
	MaxDeltasPerStreamRead  int
	MaxDeltasPerRequestRead int
	Logger                  *zerolog.Logger
}

// Replayer serves retained stream deltas to reconnecting clients.
type Replayer struct {
	store         syncstore.Store
	perStreamCap  int
	perRequestCap int
	logger        zerolog.Logger
}

func NewReplayer(cfg ReplayerConfig) (*Replayer, error) {
	if cfg.Store == nil {
		return nil, errors.New("replayer: store is nil")
	}
	perStream := cfg.MaxDeltasPerStreamRead
	if perStream <= 0 {
		perStream = DefaultMaxDeltasPerStreamRead
	}
	perRequest := cfg.MaxDeltasPerRequestRead
	if perRequest <= 0 {
		perRequest = DefaultMaxDeltasPerRequestRead
	}
	logger := log.With().Str("component", "replay").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "replay").Logger()
	}
	return &Replayer{store: cfg.Store, perStreamCap: perStream, perRequestCap: perRequest, logger: logger}, nil
}

// PullState returns, per requested stream, the retained deltas at or after
// the cursor. Requested caps may only lower the configured ones.
func (r *Replayer) PullState(ctx context.Context, actor model.Actor, req PullRequest) (PullResult, error) {
	if r == nil {
		return PullResult{}, errors.New("replayer: nil replayer")
	}
	perStream := capAt(req.MaxDeltasPerStreamRead, r.perStreamCap)
	budget := capAt(req.MaxDeltasPerRequestRead, r.perRequestCap)
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = actor.DeviceID
	}

	res := PullResult{
		Streams:       []StreamInfo{},
		Deltas:        []model.StreamDelta{},
		NextCursors:   []StreamCursor{},
		StreamWindows: []StreamWindow{},
		Checkpoints:   []model.StreamCheckpoint{},
	}
	err := r.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, req.ThreadID); err != nil {
			return err
		}
		stats, err := tx.ListStreamStats(ctx, actor.TenantID, req.ThreadID, replayStreamListLimit)
		if err != nil {
			return errors.Wrap(err, "replay: list stream stats")
		}
		latest := map[string]int64{}
		for _, s := range stats {
			res.Streams = append(res.Streams, StreamInfo{StreamID: s.StreamID, TurnID: s.TurnID, State: s.State})
			latest[s.StreamID] = s.LatestCursor
		}

		remaining := budget
		for _, sc := range req.StreamCursors {
			if remaining <= 0 {
				break
			}
			window, deltas, err := r.readStream(ctx, tx, actor.TenantID, req.ThreadID, sc, min(perStream, remaining), latest[sc.StreamID], req.AllowRebase)
			if err != nil {
				return err
			}
			next := sc.Cursor
			if window.Status == WindowRebased {
				next = window.ServerCursorStart
			}
			for _, d := range deltas {
				next = max(next, d.CursorEnd)
			}
			res.Deltas = append(res.Deltas, deltas...)
			res.NextCursors = append(res.NextCursors, StreamCursor{StreamID: sc.StreamID, Cursor: next})
			res.StreamWindows = append(res.StreamWindows, window)
			remaining -= len(deltas)
		}

		cps, err := tx.ListCheckpoints(ctx, actor.TenantID, req.ThreadID, deviceID)
		if err != nil {
			return errors.Wrap(err, "replay: list checkpoints")
		}
		res.Checkpoints = append(res.Checkpoints, cps...)
		return nil
	})
	if err != nil {
		return PullResult{}, err
	}
	r.logger.Debug().
		Str("thread_id", req.ThreadID).
		Int("streams", len(req.StreamCursors)).
		Int("deltas", len(res.Deltas)).
		Msg("state pulled")
	return res, nil
}

func (r *Replayer) readStream(ctx context.Context, tx syncstore.Tx, tenantID, threadID string, sc StreamCursor, limit int, latestCursor int64, allowRebase bool) (StreamWindow, []model.StreamDelta, error) {
	window := StreamWindow{StreamID: sc.StreamID, Status: WindowOK, ServerCursorEnd: latestCursor}
	earliest, found, err := tx.EarliestStreamDelta(ctx, tenantID, threadID, sc.StreamID)
	if err != nil {
		return window, nil, errors.Wrap(err, "replay: earliest delta")
	}
	if !found {
		window.ServerCursorStart = latestCursor
		if sc.Cursor < latestCursor {
			window.Status = WindowStale
		}
		return window, []model.StreamDelta{}, nil
	}
	window.ServerCursorStart = earliest.CursorStart

	from := sc.Cursor
	if from < earliest.CursorStart {
		if !allowRebase {
			return window, nil, syncerr.New(syncerr.CodeReplayGap,
				"requested cursor %d is older than earliest retained cursor %d for streamId=%s",
				sc.Cursor, earliest.CursorStart, sc.StreamID)
		}
		window.Status = WindowRebased
		from = earliest.CursorStart
	}

	deltas, err := tx.ListStreamDeltas(ctx, tenantID, threadID, sc.StreamID, from, limit)
	if err != nil {
		return window, nil, errors.Wrap(err, "replay: list deltas")
	}
	expected := from
	for _, d := range deltas {
		if d.CursorStart != expected {
			return window, nil, syncerr.New(syncerr.CodeReplayGap,
				"replay gap for streamId=%s: expected cursorStart=%d, got %d", sc.StreamID, expected, d.CursorStart)
		}
		expected = d.CursorEnd
	}
	return window, deltas, nil
}

func capAt(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// ResumeTurn is PullState for a single stream starting at fromCursor, with
// no rebasing.
func (r *Replayer) ResumeTurn(ctx context.Context, actor model.Actor, threadID, streamID string, fromCursor int64) ([]model.StreamDelta, int64, error) {
	res, err := r.PullState(ctx, actor, PullRequest{
		ThreadID:      threadID,
		StreamCursors: []StreamCursor{{StreamID: streamID, Cursor: fromCursor}},
	})
	if err != nil {
		return nil, 0, err
	}
	next := fromCursor
	if len(res.NextCursors) > 0 {
		next = res.NextCursors[0].Cursor
	}
	return res.Deltas, next, nil
}
