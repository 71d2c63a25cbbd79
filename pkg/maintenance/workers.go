// Package maintenance runs the engine's follow-up jobs: turn finalization,
// stream cleanup, stale session and expired delta sweeps, deletion chunks.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/deletion"
	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/streams"
)

const (
	DefaultSweepInterval   = time.Minute
	DefaultStaleSessionAge = 3 * time.Minute
	staleSessionBatch      = 500
	maxDrainRounds         = 1000
)

// Registrar is satisfied by *jobs.Bus.
type Registrar interface {
	Handle(kind jobs.Kind, h jobs.Handler)
}

type WorkersConfig struct {
	Streams  *streams.Manager
	Sessions *sessions.Registry
	// Dispatch is optional; without it finalize-turn leaves dispatches alone.
	Dispatch *dispatch.Queue
	// Deletion is optional; without it deletion-run jobs fail.
	Deletion        *deletion.Service
	SweepInterval   time.Duration
	StaleSessionAge time.Duration
	Now             func() time.Time
	Logger          *zerolog.Logger
}

type Workers struct {
	streams  *streams.Manager
	sessions *sessions.Registry
	dispatch *dispatch.Queue
	deletion *deletion.Service
	interval time.Duration
	staleAge time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu           sync.Mutex
	sweepRunning bool
}

func NewWorkers(cfg WorkersConfig) (*Workers, error) {
	if cfg.Streams == nil {
		return nil, errors.New("maintenance: stream manager is nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("maintenance: session registry is nil")
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	staleAge := cfg.StaleSessionAge
	if staleAge <= 0 {
		staleAge = DefaultStaleSessionAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "maintenance").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "maintenance").Logger()
	}
	return &Workers{
		streams:  cfg.Streams,
		sessions: cfg.Sessions,
		dispatch: cfg.Dispatch,
		deletion: cfg.Deletion,
		interval: interval,
		staleAge: staleAge,
		now:      now,
		logger:   logger,
	}, nil
}

// Register installs a handler for every job kind.
func (w *Workers) Register(r Registrar) {
	for _, kind := range []jobs.Kind{
		jobs.KindFinalizeTurn,
		jobs.KindStreamCleanup,
		jobs.KindSessionsTimeoutStale,
		jobs.KindDeltasCleanupExpired,
		jobs.KindDeletionRun,
	} {
		r.Handle(kind, w.HandleJob)
	}
}

// HandleJob runs one job synchronously.
func (w *Workers) HandleJob(ctx context.Context, job jobs.Job) error {
	if w == nil {
		return errors.New("maintenance: nil workers")
	}
	logger := w.logger.With().Str("job", string(job.Kind)).Str("job_id", job.ID).Logger()
	switch job.Kind {
	case jobs.KindFinalizeTurn:
		if job.Terminal == nil {
			logger.Warn().Str("turn_id", job.TurnID).Msg("finalize job without terminal status")
			return nil
		}
		res, err := w.streams.FinalizeTurn(ctx, job.TenantID, job.ThreadID, job.TurnID, *job.Terminal)
		if err != nil {
			return err
		}
		if w.dispatch != nil {
			if _, err := w.dispatch.CompleteForTurn(ctx, job.TenantID, job.ThreadID, job.TurnID, *job.Terminal); err != nil {
				return err
			}
		}
		logger.Debug().
			Str("thread_id", job.ThreadID).
			Str("turn_id", job.TurnID).
			Int("ended_streams", res.EndedStreams).
			Msg("turn finalized")
		return nil

	case jobs.KindStreamCleanup:
		_, err := w.streams.CleanupFinishedStream(ctx, job.TenantID, job.ThreadID, job.StreamID, job.BatchSize)
		return err

	case jobs.KindSessionsTimeoutStale:
		staleBefore := w.now().Add(-w.staleAge)
		if job.StaleBeforeMs > 0 {
			staleBefore = time.UnixMilli(job.StaleBeforeMs)
		}
		_, err := w.sessions.TimeoutStaleSessions(ctx, job.TenantID, staleBefore, staleSessionBatch)
		return err

	case jobs.KindDeltasCleanupExpired:
		_, _, err := w.streams.CleanupExpiredDeltas(ctx, w.now(), job.BatchSize)
		return err

	case jobs.KindDeletionRun:
		if w.deletion == nil {
			return errors.New("maintenance: deletion service is not configured")
		}
		res, err := w.deletion.RunChunk(ctx, job.TenantID, job.DeletionJobID, job.BatchSize)
		if err != nil {
			return err
		}
		logger.Debug().
			Str("deletion_job_id", job.DeletionJobID).
			Str("status", string(res.Status)).
			Bool("more", res.More).
			Msg("deletion chunk ran")
		return nil

	default:
		return errors.Errorf("maintenance: unknown job kind %q", job.Kind)
	}
}

type SweepResult struct {
	TimedOutSessions int  `json:"timedOutSessions"`
	ExpiredDeltas    int  `json:"expiredDeltas"`
	MoreExpired      bool `json:"moreExpired"`
}

// Sweep runs the periodic passes once: sessions silent for longer than the
// stale age are timed out and expired retained deltas are removed.
func (w *Workers) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	if w == nil {
		return SweepResult{}, errors.New("maintenance: nil workers")
	}
	if now.IsZero() {
		now = w.now()
	}
	var res SweepResult
	var err error
	res.TimedOutSessions, err = w.sessions.TimeoutStaleSessions(ctx, "", now.Add(-w.staleAge), staleSessionBatch)
	if err != nil {
		return res, err
	}
	res.ExpiredDeltas, res.MoreExpired, err = w.streams.CleanupExpiredDeltas(ctx, now, 0)
	if err != nil {
		return res, err
	}
	return res, nil
}

// StartSweepLoop runs Sweep every interval until ctx is done. A second call
// while the loop runs is a no-op.
func (w *Workers) StartSweepLoop(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		panic("maintenance: StartSweepLoop requires non-nil ctx")
	}
	w.mu.Lock()
	if w.sweepRunning {
		w.mu.Unlock()
		return
	}
	w.sweepRunning = true
	w.mu.Unlock()

	go w.runSweepLoop(ctx)
}

func (w *Workers) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.sweepRunning = false
			w.mu.Unlock()
			return
		case <-ticker.C:
			res, err := w.Sweep(ctx, time.Time{})
			if err != nil {
				w.logger.Warn().Err(err).Msg("maintenance sweep failed")
				continue
			}
			if res.TimedOutSessions > 0 || res.ExpiredDeltas > 0 {
				w.logger.Debug().
					Int("timed_out_sessions", res.TimedOutSessions).
					Int("expired_deltas", res.ExpiredDeltas).
					Msg("maintenance sweep")
			}
		}
	}
}

// DrainRecorded runs the jobs captured by rec until none are left. Delayed
// jobs are run only when includeDelayed is set and are otherwise dropped.
// It returns how many jobs ran.
func (w *Workers) DrainRecorded(ctx context.Context, rec *jobs.RecordingPublisher, includeDelayed bool) (int, error) {
	if w == nil {
		return 0, errors.New("maintenance: nil workers")
	}
	ran := 0
	for range maxDrainRounds {
		batch := rec.Drain()
		if len(batch) == 0 {
			return ran, nil
		}
		for _, s := range batch {
			if s.Delay > 0 && !includeDelayed {
				w.logger.Debug().Str("job", string(s.Job.Kind)).Dur("delay", s.Delay).Msg("skipping delayed job")
				continue
			}
			if err := w.HandleJob(ctx, s.Job); err != nil {
				return ran, err
			}
			ran++
		}
	}
	return ran, errors.New("maintenance: job drain did not settle")
}
