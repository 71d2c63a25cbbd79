// Package streams owns the stream state machine after ingest: terminal
// reconciliation, delayed cleanup of retained deltas, timeouts, device
// checkpoints and cursor replay.
package streams

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/runtimeevents"
	"github.com/go-go-golems/threadsync/pkg/sessions"
)

const (
	DefaultCleanupBatch       = 500
	maxCleanupBatch           = 2000
	DefaultExpiredSweepBatch  = 1000
	maxExpiredSweepBatch      = 5000
	DefaultFinishedStreamTTL  = 5 * time.Minute
	DefaultTimeoutReason      = "stream timeout"
	finalizeStreamScanLimit   = 100
	finalizeMessageScanLimit  = 500
	checkpointListLimitPerDev = 2000
)

type ManagerConfig struct {
	Store syncstore.Store
	// Jobs receives cleanup continuations. Nil disables them.
	Jobs jobs.Publisher
	// FinishedStreamDeleteDelay is how long an ended stream keeps its
	// retained deltas before cleanup runs.
	FinishedStreamDeleteDelay time.Duration
	Now                       func() time.Time
	Logger                    *zerolog.Logger
}

type Manager struct {
	store  syncstore.Store
	jobs   jobs.Publisher
	delay  time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("stream manager: store is nil")
	}
	delay := cfg.FinishedStreamDeleteDelay
	if delay <= 0 {
		delay = DefaultFinishedStreamTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "streams").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "streams").Logger()
	}
	return &Manager{store: cfg.Store, jobs: cfg.Jobs, delay: delay, now: now, logger: logger}, nil
}

type CleanupResult struct {
	DeletedDeltas int  `json:"deletedDeltas"`
	StreamDeleted bool `json:"streamDeleted"`
	More          bool `json:"more"`
}

func clampBatch(n, def, hi int) int {
	if n <= 0 {
		return def
	}
	return min(n, hi)
}

// CleanupFinishedStream removes up to batchSize retained deltas of a stream.
// Once none remain and the stream has ended, the stream and its stat are
// deleted and a drain marker is written to the lifecycle log. More reports
// that another pass is needed; it is also re-published as a job.
func (m *Manager) CleanupFinishedStream(ctx context.Context, tenantID, threadID, streamID string, batchSize int) (CleanupResult, error) {
	if m == nil {
		return CleanupResult{}, errors.New("stream manager: nil manager")
	}
	batchSize = clampBatch(batchSize, DefaultCleanupBatch, maxCleanupBatch)
	var res CleanupResult
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		res = CleanupResult{}
		stream, found, err := tx.GetStream(ctx, tenantID, threadID, streamID)
		if err != nil {
			return errors.Wrap(err, "streams: load stream")
		}
		if !found {
			return tx.DeleteStreamStat(ctx, tenantID, threadID, streamID)
		}

		res.DeletedDeltas, err = tx.DeleteStreamDeltas(ctx, tenantID, threadID, streamID, batchSize)
		if err != nil {
			return errors.Wrap(err, "streams: delete stream deltas")
		}
		if res.DeletedDeltas >= batchSize {
			res.More = true
			return nil
		}
		if _, remaining, err := tx.EarliestStreamDelta(ctx, tenantID, threadID, streamID); err != nil {
			return errors.Wrap(err, "streams: check remaining deltas")
		} else if remaining {
			res.More = true
			return nil
		}
		if stream.State == model.StreamStreaming {
			return nil
		}

		if err := writeDrainMarker(ctx, tx, stream, m.now().UnixMilli()); err != nil {
			return err
		}
		if err := tx.DeleteStream(ctx, tenantID, threadID, streamID); err != nil {
			return errors.Wrap(err, "streams: delete stream")
		}
		if err := tx.DeleteStreamStat(ctx, tenantID, threadID, streamID); err != nil {
			return errors.Wrap(err, "streams: delete stream stat")
		}
		res.StreamDeleted = true
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}

	if res.More {
		m.publish(ctx, jobs.Job{
			Kind:      jobs.KindStreamCleanup,
			TenantID:  tenantID,
			ThreadID:  threadID,
			StreamID:  streamID,
			BatchSize: batchSize,
		}, 0)
	}
	if res.StreamDeleted {
		m.logger.Debug().Str("thread_id", threadID).Str("stream_id", streamID).Msg("stream cleaned up")
	}
	return res, nil
}

func writeDrainMarker(ctx context.Context, tx syncstore.Tx, stream model.Stream, nowMs int64) error {
	eventID := runtimeevents.KindStreamDrainComplete + ":" + stream.StreamID
	exists, err := tx.HasLifecycleEvent(ctx, stream.TenantID, stream.ThreadID, eventID)
	if err != nil {
		return errors.Wrap(err, "streams: lookup drain marker")
	}
	if exists {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"streamId": stream.StreamID})
	if err != nil {
		return errors.Wrap(err, "streams: encode drain marker")
	}
	err = tx.InsertLifecycleEvent(ctx, model.LifecycleEvent{
		TenantID:    stream.TenantID,
		ThreadID:    stream.ThreadID,
		TurnID:      stream.TurnID,
		EventID:     eventID,
		Kind:        runtimeevents.KindStreamDrainComplete,
		PayloadJSON: string(payload),
		CreatedAtMs: nowMs,
	})
	return errors.Wrap(err, "streams: write drain marker")
}

// CleanupExpiredDeltas removes retained deltas past their expiry across all
// tenants. More reports a full batch; a continuation job is published.
func (m *Manager) CleanupExpiredDeltas(ctx context.Context, now time.Time, batchSize int) (int, bool, error) {
	if m == nil {
		return 0, false, errors.New("stream manager: nil manager")
	}
	batchSize = clampBatch(batchSize, DefaultExpiredSweepBatch, maxExpiredSweepBatch)
	deleted := 0
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		var err error
		deleted, err = tx.DeleteExpiredStreamDeltas(ctx, now.UnixMilli(), batchSize)
		return errors.Wrap(err, "streams: delete expired deltas")
	})
	if err != nil {
		return 0, false, err
	}
	more := deleted >= batchSize
	if more {
		m.publish(ctx, jobs.Job{Kind: jobs.KindDeltasCleanupExpired, BatchSize: batchSize}, 0)
	}
	if deleted > 0 {
		m.logger.Info().Int("deleted", deleted).Bool("more", more).Msg("expired deltas removed")
	}
	return deleted, more, nil
}

// TimeoutStream aborts a stream that is still streaming and schedules its
// cleanup. Ended streams are left alone.
func (m *Manager) TimeoutStream(ctx context.Context, tenantID, threadID, streamID, reason string) (bool, error) {
	if m == nil {
		return false, errors.New("stream manager: nil manager")
	}
	if reason == "" {
		reason = DefaultTimeoutReason
	}
	var cleanup *jobs.Job
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		cleanup = nil
		stream, found, err := tx.GetStream(ctx, tenantID, threadID, streamID)
		if err != nil {
			return errors.Wrap(err, "streams: load stream")
		}
		if !found || stream.State != model.StreamStreaming {
			return nil
		}
		job, err := m.endStream(ctx, tx, stream, model.StreamAborted, reason, m.now().UnixMilli())
		if err != nil {
			return err
		}
		cleanup = &job
		return nil
	})
	if err != nil || cleanup == nil {
		return false, err
	}
	m.publish(ctx, *cleanup, m.delay)
	m.logger.Info().Str("thread_id", threadID).Str("stream_id", streamID).Str("reason", reason).Msg("stream timed out")
	return true, nil
}

// endStream moves a streaming stream to state and returns its cleanup job.
func (m *Manager) endStream(ctx context.Context, tx syncstore.Tx, stream model.Stream, state model.StreamState, reason string, nowMs int64) (jobs.Job, error) {
	job := jobs.Job{
		ID:        uuid.NewString(),
		Kind:      jobs.KindStreamCleanup,
		TenantID:  stream.TenantID,
		ThreadID:  stream.ThreadID,
		TurnID:    stream.TurnID,
		StreamID:  stream.StreamID,
		BatchSize: DefaultCleanupBatch,
	}
	stream.State = state
	if state == model.StreamAborted {
		stream.AbortReason = reason
	}
	stream.EndedAtMs = nowMs
	stream.CleanupJobID = job.ID
	stream.CleanupScheduledForMs = nowMs + m.delay.Milliseconds()
	if err := tx.PutStream(ctx, stream); err != nil {
		return jobs.Job{}, errors.Wrap(err, "streams: end stream")
	}
	stat, found, err := tx.GetStreamStat(ctx, stream.TenantID, stream.ThreadID, stream.StreamID)
	if err != nil {
		return jobs.Job{}, errors.Wrap(err, "streams: load stream stat")
	}
	if !found {
		stat = model.StreamStat{
			TenantID: stream.TenantID,
			ThreadID: stream.ThreadID,
			StreamID: stream.StreamID,
			TurnID:   stream.TurnID,
		}
	}
	stat.State = state
	stat.UpdatedAtMs = nowMs
	if err := tx.PutStreamStat(ctx, stat); err != nil {
		return jobs.Job{}, errors.Wrap(err, "streams: write stream stat")
	}
	return job, nil
}

type FinalizeResult struct {
	Found         bool             `json:"found"`
	Status        model.TurnStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	SettledMsgs   int              `json:"settledMessages"`
	EndedStreams  int              `json:"endedStreams"`
	CleanupJobIDs []string         `json:"cleanupJobIds,omitempty"`
}

// FinalizeTurn reconciles a turn with a terminal outcome: the turn status is
// merged without regressing, streaming messages take the final status and
// streams still open are ended with a delayed cleanup.
func (m *Manager) FinalizeTurn(ctx context.Context, tenantID, threadID, turnID string, terminal model.TerminalStatus) (FinalizeResult, error) {
	if m == nil {
		return FinalizeResult{}, errors.New("stream manager: nil manager")
	}
	if !terminal.Status.Terminal() {
		return FinalizeResult{}, errors.Errorf("stream manager: %q is not a terminal status", terminal.Status)
	}
	var (
		res      FinalizeResult
		cleanups []jobs.Job
	)
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		res, cleanups = FinalizeResult{}, nil
		turn, found, err := tx.GetTurn(ctx, tenantID, threadID, turnID)
		if err != nil {
			return errors.Wrap(err, "streams: load turn")
		}
		if !found {
			return nil
		}
		res.Found = true
		nowMs := m.now().UnixMilli()

		status := model.MergeTurnStatus(turn.Status, terminal.Status)
		errMsg := ""
		if status != model.TurnCompleted {
			errMsg = terminal.Error
			if errMsg == "" {
				errMsg = turn.ErrorMessage
			}
			if errMsg == "" {
				errMsg = string(status)
			}
		}
		turn.Status = status
		turn.ErrorMessage = errMsg
		turn.CompletedAtMs = nowMs
		if err := tx.PutTurn(ctx, turn); err != nil {
			return errors.Wrap(err, "streams: finalize turn")
		}
		res.Status, res.Error = status, errMsg

		streaming, err := tx.ListMessages(ctx, tenantID, threadID, turnID, model.MessageStreaming, finalizeMessageScanLimit)
		if err != nil {
			return errors.Wrap(err, "streams: list streaming messages")
		}
		for _, msg := range streaming {
			msg.Status = model.MessageStatus(status)
			msg.Error = errMsg
			msg.UpdatedAtMs = nowMs
			msg.CompletedAtMs = nowMs
			if err := tx.PutMessage(ctx, msg); err != nil {
				return errors.Wrap(err, "streams: settle message")
			}
			res.SettledMsgs++
		}

		streams, err := tx.ListStreamsByTurn(ctx, tenantID, threadID, turnID, finalizeStreamScanLimit)
		if err != nil {
			return errors.Wrap(err, "streams: list turn streams")
		}
		for _, stream := range streams {
			if stream.State != model.StreamStreaming {
				continue
			}
			state, reason := model.StreamFinished, ""
			if status != model.TurnCompleted {
				state, reason = model.StreamAborted, errMsg
			}
			job, err := m.endStream(ctx, tx, stream, state, reason, nowMs)
			if err != nil {
				return err
			}
			cleanups = append(cleanups, job)
		}
		res.EndedStreams = len(cleanups)
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	for _, job := range cleanups {
		m.publish(ctx, job, m.delay)
		res.CleanupJobIDs = append(res.CleanupJobIDs, job.ID)
	}
	return res, nil
}

// UpsertCheckpoint raises the actor device's acked cursor for a stream. A
// lower cursor is ignored.
func (m *Manager) UpsertCheckpoint(ctx context.Context, actor model.Actor, threadID, streamID string, cursor int64) error {
	if m == nil {
		return errors.New("stream manager: nil manager")
	}
	cursor = max(cursor, 0)
	return m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
			return err
		}
		cp, found, err := tx.GetCheckpoint(ctx, actor.TenantID, threadID, actor.DeviceID, streamID)
		if err != nil {
			return errors.Wrap(err, "streams: load checkpoint")
		}
		if found && cursor <= cp.AckedCursor {
			return nil
		}
		return errors.Wrap(tx.PutCheckpoint(ctx, model.StreamCheckpoint{
			TenantID:    actor.TenantID,
			ThreadID:    threadID,
			DeviceID:    actor.DeviceID,
			StreamID:    streamID,
			UserID:      actor.UserID,
			AckedCursor: cursor,
			UpdatedAtMs: m.now().UnixMilli(),
		}), "streams: write checkpoint")
	})
}

// ListCheckpoints returns the checkpoints of deviceID on a thread. An empty
// deviceID means the actor's own device.
func (m *Manager) ListCheckpoints(ctx context.Context, actor model.Actor, threadID, deviceID string) ([]model.StreamCheckpoint, error) {
	if m == nil {
		return nil, errors.New("stream manager: nil manager")
	}
	if deviceID == "" {
		deviceID = actor.DeviceID
	}
	var out []model.StreamCheckpoint
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListCheckpoints(ctx, actor.TenantID, threadID, deviceID)
		return errors.Wrap(err, "streams: list checkpoints")
	})
	if len(out) > checkpointListLimitPerDev {
		out = out[:checkpointListLimitPerDev]
	}
	return out, err
}

func (m *Manager) publish(ctx context.Context, job jobs.Job, delay time.Duration) {
	if m.jobs == nil {
		return
	}
	if _, err := m.jobs.Publish(ctx, job, delay); err != nil {
		m.logger.Warn().Err(err).
			Str("job", string(job.Kind)).
			Str("stream_id", job.StreamID).
			Msg("could not publish stream job")
	}
}
