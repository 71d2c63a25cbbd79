// Package deletion runs cascading deletes of a thread, a turn or all data of
// an actor as resumable chunked jobs with a cancellable grace period.
package deletion

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const (
	DefaultGrace        = 10 * time.Minute
	MinGrace            = time.Second
	MaxGrace            = 7 * 24 * time.Hour
	DefaultBatchSize    = 500
	MaxBatchSize        = 2000
	maxErrorMessageLen  = 500
	deleteJobFailedCode = string(syncerr.CodeDeleteJobFailed)
)

// ClampGrace applies the default and the [MinGrace, MaxGrace] bounds.
func ClampGrace(d time.Duration) time.Duration {
	if d <= 0 {
		d = DefaultGrace
	}
	return min(max(d, MinGrace), MaxGrace)
}

func clampBatch(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return min(n, MaxBatchSize)
}

type ServiceConfig struct {
	Store  syncstore.Store
	Jobs   jobs.Publisher
	Now    func() time.Time
	Logger *zerolog.Logger
}

type Service struct {
	store  syncstore.Store
	jobs   jobs.Publisher
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("deletion service: store is nil")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("deletion service: job publisher is nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "deletion").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "deletion").Logger()
	}
	return &Service{store: cfg.Store, jobs: cfg.Jobs, now: now, logger: logger}, nil
}

type ScheduleRequest struct {
	ThreadID string
	TurnID   string
	Reason   string
	// Delay is the grace period before the first chunk runs.
	Delay     time.Duration
	BatchSize int
}

type Scheduled struct {
	DeletionJobID  string `json:"deletionJobId"`
	ScheduledForMs int64  `json:"scheduledFor"`
}

func (s *Service) ScheduleDeleteThread(ctx context.Context, actor model.Actor, threadID, reason string, delay time.Duration) (Scheduled, error) {
	return s.schedule(ctx, actor, model.DeletionTargetThread, ScheduleRequest{ThreadID: threadID, Reason: reason, Delay: delay})
}

func (s *Service) ScheduleDeleteTurn(ctx context.Context, actor model.Actor, threadID, turnID, reason string, delay time.Duration) (Scheduled, error) {
	if turnID == "" {
		return Scheduled{}, syncerr.New(syncerr.CodeInvalidArgument, "turnId is required")
	}
	return s.schedule(ctx, actor, model.DeletionTargetTurn, ScheduleRequest{ThreadID: threadID, TurnID: turnID, Reason: reason, Delay: delay})
}

func (s *Service) SchedulePurgeActorData(ctx context.Context, actor model.Actor, reason string, delay time.Duration) (Scheduled, error) {
	return s.schedule(ctx, actor, model.DeletionTargetActor, ScheduleRequest{Reason: reason, Delay: delay})
}

// Schedule creates a deletion job of the given kind.
func (s *Service) Schedule(ctx context.Context, actor model.Actor, kind model.DeletionTargetKind, req ScheduleRequest) (Scheduled, error) {
	return s.schedule(ctx, actor, kind, req)
}

func (s *Service) schedule(ctx context.Context, actor model.Actor, kind model.DeletionTargetKind, req ScheduleRequest) (Scheduled, error) {
	if s == nil {
		return Scheduled{}, errors.New("deletion service: nil service")
	}
	switch kind {
	case model.DeletionTargetThread, model.DeletionTargetTurn, model.DeletionTargetActor:
	default:
		return Scheduled{}, syncerr.New(syncerr.CodeInvalidArgument, "unknown deletion target %q", kind)
	}
	delay := ClampGrace(req.Delay)
	nowMs := s.now().UnixMilli()
	job := model.DeletionJob{
		TenantID:             actor.TenantID,
		DeletionJobID:        uuid.NewString(),
		UserScope:            actor.UserScope(),
		UserID:               actor.UserID,
		TargetKind:           kind,
		ThreadID:             req.ThreadID,
		TurnID:               req.TurnID,
		Status:               model.DeletionScheduled,
		Reason:               req.Reason,
		DeletedCountsByTable: map[string]int{},
		ScheduledForMs:       nowMs + delay.Milliseconds(),
		CreatedAtMs:          nowMs,
		UpdatedAtMs:          nowMs,
	}
	err := s.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if kind != model.DeletionTargetActor {
			if _, err := sessions.RequireThread(ctx, tx, actor, req.ThreadID); err != nil {
				return err
			}
		}
		if kind == model.DeletionTargetTurn {
			turn, found, err := tx.GetTurn(ctx, actor.TenantID, req.ThreadID, req.TurnID)
			if err != nil {
				return errors.Wrap(err, "deletion: load turn")
			}
			if !found {
				return syncerr.New(syncerr.CodeNotFound, "turn not found: %s", req.TurnID)
			}
			if turn.UserID != actor.UserID {
				return syncerr.New(syncerr.CodeAuthTurnForbidden, "user %s cannot delete turn %s", actor.UserID, req.TurnID)
			}
		}
		return errors.Wrap(tx.PutDeletionJob(ctx, job), "deletion: write job")
	})
	if err != nil {
		return Scheduled{}, err
	}
	s.publish(ctx, job, clampBatch(req.BatchSize), delay)
	s.logger.Info().
		Str("deletion_job_id", job.DeletionJobID).
		Str("target", string(kind)).
		Str("thread_id", req.ThreadID).
		Dur("delay", delay).
		Msg("deletion scheduled")
	return Scheduled{DeletionJobID: job.DeletionJobID, ScheduledForMs: job.ScheduledForMs}, nil
}

func (s *Service) publish(ctx context.Context, job model.DeletionJob, batchSize int, delay time.Duration) {
	_, err := s.jobs.Publish(ctx, jobs.Job{
		Kind:          jobs.KindDeletionRun,
		TenantID:      job.TenantID,
		ThreadID:      job.ThreadID,
		TurnID:        job.TurnID,
		DeletionJobID: job.DeletionJobID,
		BatchSize:     batchSize,
	}, delay)
	if err != nil {
		s.logger.Warn().Err(err).Str("deletion_job_id", job.DeletionJobID).Msg("could not publish deletion chunk")
	}
}

// mutateOwn applies fn to one of the actor's deletion jobs. Jobs of other
// users read as missing.
func (s *Service) mutateOwn(ctx context.Context, actor model.Actor, deletionJobID string, fn func(job *model.DeletionJob, nowMs int64) bool) (model.DeletionJob, bool, error) {
	if s == nil {
		return model.DeletionJob{}, false, errors.New("deletion service: nil service")
	}
	var (
		out     model.DeletionJob
		changed bool
	)
	err := s.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		changed = false
		job, found, err := tx.GetDeletionJob(ctx, actor.TenantID, deletionJobID)
		if err != nil {
			return errors.Wrap(err, "deletion: load job")
		}
		if !found || job.UserScope != actor.UserScope() {
			return syncerr.New(syncerr.CodeNotFound, "deletion job not found: %s", deletionJobID)
		}
		nowMs := s.now().UnixMilli()
		if fn != nil && fn(&job, nowMs) {
			job.UpdatedAtMs = nowMs
			if err := tx.PutDeletionJob(ctx, job); err != nil {
				return errors.Wrap(err, "deletion: write job")
			}
			changed = true
		}
		out = job
		return nil
	})
	return out, changed, err
}

// Cancel stops a job that is still in its grace period.
func (s *Service) Cancel(ctx context.Context, actor model.Actor, deletionJobID string) (bool, error) {
	_, cancelled, err := s.mutateOwn(ctx, actor, deletionJobID, func(job *model.DeletionJob, nowMs int64) bool {
		if job.Status != model.DeletionScheduled {
			return false
		}
		job.Status = model.DeletionCancelled
		job.ScheduledForMs = 0
		job.CancelledAtMs = nowMs
		job.CompletedAtMs = nowMs
		return true
	})
	return cancelled, err
}

// ForceRun skips the rest of the grace period.
func (s *Service) ForceRun(ctx context.Context, actor model.Actor, deletionJobID string, batchSize int) (bool, error) {
	job, forced, err := s.mutateOwn(ctx, actor, deletionJobID, func(job *model.DeletionJob, _ int64) bool {
		if job.Status != model.DeletionScheduled {
			return false
		}
		job.Status = model.DeletionQueued
		job.ScheduledForMs = 0
		return true
	})
	if err != nil || !forced {
		return false, err
	}
	s.publish(ctx, job, clampBatch(batchSize), 0)
	return true, nil
}

func (s *Service) Get(ctx context.Context, actor model.Actor, deletionJobID string) (model.DeletionJob, error) {
	job, _, err := s.mutateOwn(ctx, actor, deletionJobID, nil)
	return job, err
}

type ChunkResult struct {
	Status  model.DeletionStatus `json:"status"`
	Deleted map[string]int       `json:"deleted"`
	Phase   string               `json:"phase,omitempty"`
	// More reports that another chunk was published.
	More bool `json:"more"`
}

// RunChunk advances a deletion job by one chunk of at most batchSize rows.
// A scheduled job that is not due yet is left alone; terminal jobs too.
func (s *Service) RunChunk(ctx context.Context, tenantID, deletionJobID string, batchSize int) (ChunkResult, error) {
	if s == nil {
		return ChunkResult{}, errors.New("deletion service: nil service")
	}
	batchSize = clampBatch(batchSize)
	var (
		res     ChunkResult
		job     model.DeletionJob
		found   bool
		deleted map[string]int
		phase   string
		runErr  error
	)
	err := s.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		var err error
		job, found, err = tx.GetDeletionJob(ctx, tenantID, deletionJobID)
		if err != nil {
			return errors.Wrap(err, "deletion: load job")
		}
		if !found || job.Status.Terminal() {
			return nil
		}
		nowMs := s.now().UnixMilli()
		if job.Status == model.DeletionScheduled {
			if job.ScheduledForMs > nowMs {
				return nil
			}
			job.Status = model.DeletionQueued
			job.ScheduledForMs = 0
		}
		if job.Status == model.DeletionQueued {
			job.Status = model.DeletionRunning
			job.StartedAtMs = nowMs
		}
		deleted, phase, runErr = runBatch(ctx, tx, job, batchSize)
		if runErr != nil {
			// The partial chunk rolls back; failure is recorded below.
			return runErr
		}
		total := 0
		for _, n := range deleted {
			total += n
		}
		if job.DeletedCountsByTable == nil {
			job.DeletedCountsByTable = map[string]int{}
		}
		for table, n := range deleted {
			job.DeletedCountsByTable[table] += n
		}
		if phase != "" {
			job.Phase = phase
		}
		job.UpdatedAtMs = nowMs
		if total == 0 {
			job.Status = model.DeletionCompleted
			job.CompletedAtMs = nowMs
		}
		return errors.Wrap(tx.PutDeletionJob(ctx, job), "deletion: write job")
	})
	if runErr != nil {
		return s.fail(ctx, tenantID, deletionJobID, runErr)
	}
	if err != nil {
		return ChunkResult{}, err
	}
	if !found {
		return ChunkResult{}, syncerr.New(syncerr.CodeNotFound, "deletion job not found: %s", deletionJobID)
	}
	res = ChunkResult{Status: job.Status, Deleted: maps.Clone(deleted), Phase: job.Phase}
	if res.Deleted == nil {
		res.Deleted = map[string]int{}
	}
	if job.Status == model.DeletionRunning {
		res.More = true
		s.publish(ctx, job, batchSize, 0)
	}
	if job.Status == model.DeletionCompleted {
		s.logger.Info().Str("deletion_job_id", deletionJobID).Interface("deleted", job.DeletedCountsByTable).Msg("deletion completed")
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, tenantID, deletionJobID string, cause error) (ChunkResult, error) {
	msg := cause.Error()
	if r := []rune(msg); len(r) > maxErrorMessageLen {
		msg = string(r[:maxErrorMessageLen])
	}
	var job model.DeletionJob
	err := s.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		var (
			found bool
			err   error
		)
		job, found, err = tx.GetDeletionJob(ctx, tenantID, deletionJobID)
		if err != nil || !found {
			return errors.Wrap(err, "deletion: reload job")
		}
		nowMs := s.now().UnixMilli()
		job.Status = model.DeletionFailed
		job.ErrorCode = deleteJobFailedCode
		job.ErrorMessage = msg
		job.UpdatedAtMs = nowMs
		job.CompletedAtMs = nowMs
		return errors.Wrap(tx.PutDeletionJob(ctx, job), "deletion: record failure")
	})
	if err != nil {
		return ChunkResult{}, err
	}
	s.logger.Error().Err(cause).Str("deletion_job_id", deletionJobID).Msg("deletion job failed")
	return ChunkResult{Status: model.DeletionFailed, Deleted: map[string]int{}, Phase: job.Phase}, nil
}

// runBatch deletes up to limit rows across the cascade tables in order and
// reports per-table counts and the last table that lost rows.
func runBatch(ctx context.Context, tx syncstore.Tx, job model.DeletionJob, limit int) (map[string]int, string, error) {
	scope := syncstore.Scope{TenantID: job.TenantID}
	switch job.TargetKind {
	case model.DeletionTargetThread:
		scope.ThreadID = job.ThreadID
	case model.DeletionTargetTurn:
		scope.ThreadID, scope.TurnID = job.ThreadID, job.TurnID
	case model.DeletionTargetActor:
		scope.OwnerUserID = job.UserID
		if scope.OwnerUserID == "" {
			scope.OwnerUserID = job.UserScope
		}
	default:
		return nil, "", errors.Errorf("deletion: unknown target kind %q", job.TargetKind)
	}
	if job.TargetKind != model.DeletionTargetActor && scope.ThreadID == "" {
		return map[string]int{}, "", nil
	}

	deleted := map[string]int{}
	phase := ""
	remaining := limit
	for _, table := range syncstore.CascadeOrder {
		if remaining <= 0 {
			break
		}
		n, err := tx.DeleteRows(ctx, table, scope, remaining)
		if err != nil {
			return nil, "", errors.Wrapf(err, "deletion: delete %s", table)
		}
		if n > 0 {
			deleted[string(table)] += n
			remaining -= n
			phase = string(table)
		}
	}
	return deleted, phase, nil
}
