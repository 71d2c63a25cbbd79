// Package dispatch is the per-thread turn dispatch queue: callers accept a
// turn send, one worker at a time claims it under a lease and reports the
// outcome with the claim token.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const (
	DefaultLease = 15 * time.Second
	minLease     = time.Second
	maxClaimScan = 200
)

var activeStatuses = []model.DispatchStatus{model.DispatchClaimed, model.DispatchStarted}

type QueueConfig struct {
	Store syncstore.Store
	// Lease is used by Claim when the caller passes zero.
	Lease  time.Duration
	Now    func() time.Time
	Logger *zerolog.Logger
}

type Queue struct {
	store  syncstore.Store
	lease  time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("dispatch queue: store is nil")
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "dispatch").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "dispatch").Logger()
	}
	return &Queue{store: cfg.Store, lease: lease, now: now, logger: logger}, nil
}

type AcceptRequest struct {
	ThreadID string `json:"threadId"`
	// DispatchID is generated when empty.
	DispatchID     string      `json:"dispatchId,omitempty"`
	TurnID         string      `json:"turnId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Input          []InputItem `json:"input"`
}

type AcceptResult struct {
	DispatchID string               `json:"dispatchId"`
	TurnID     string               `json:"turnId"`
	Status     model.DispatchStatus `json:"status"`
	Accepted   bool                 `json:"accepted"`
	// Existing is set when the idempotency key had already been accepted.
	Existing bool `json:"existing"`
}

// Accept records a turn send. It is idempotent on (thread, idempotency key):
// a repeat returns the stored dispatch, unless its input differs.
func (q *Queue) Accept(ctx context.Context, actor model.Actor, req AcceptRequest) (AcceptResult, error) {
	if q == nil {
		return AcceptResult{}, errors.New("dispatch queue: nil queue")
	}
	if strings.TrimSpace(req.TurnID) == "" || strings.TrimSpace(req.IdempotencyKey) == "" {
		return AcceptResult{}, syncerr.New(syncerr.CodeInvalidArgument, "turnId and idempotencyKey are required")
	}
	fingerprint, err := Fingerprint(req.Input)
	if err != nil {
		return AcceptResult{}, err
	}
	var res AcceptResult
	err = q.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, req.ThreadID); err != nil {
			return err
		}
		existing, found, err := tx.GetDispatchByIdempotencyKey(ctx, actor.TenantID, req.ThreadID, req.IdempotencyKey)
		if err != nil {
			return errors.Wrap(err, "dispatch: lookup idempotency key")
		}
		if found {
			if existing.InputFingerprint != "" && existing.InputFingerprint != fingerprint {
				return syncerr.New(syncerr.CodeIdempotencyConflict,
					"idempotencyKey=%s was already used with different input", req.IdempotencyKey)
			}
			res = AcceptResult{DispatchID: existing.DispatchID, TurnID: existing.TurnID, Status: existing.Status, Accepted: true, Existing: true}
			return nil
		}

		nowMs := q.now().UnixMilli()
		summary := SummarizeInput(req.Input)
		d := model.TurnDispatch{
			TenantID:         actor.TenantID,
			DispatchID:       req.DispatchID,
			ThreadID:         req.ThreadID,
			TurnID:           req.TurnID,
			UserID:           actor.UserID,
			IdempotencyKey:   req.IdempotencyKey,
			InputText:        summary,
			InputFingerprint: fingerprint,
			Status:           model.DispatchQueued,
			CreatedAtMs:      nowMs,
			UpdatedAtMs:      nowMs,
		}
		if d.DispatchID == "" {
			d.DispatchID = uuid.NewString()
		}
		if err := tx.PutDispatch(ctx, d); err != nil {
			return errors.Wrap(err, "dispatch: write dispatch")
		}

		_, turnFound, err := tx.GetTurn(ctx, actor.TenantID, req.ThreadID, req.TurnID)
		if err != nil {
			return errors.Wrap(err, "dispatch: load turn")
		}
		if !turnFound {
			err = tx.PutTurn(ctx, model.Turn{
				TenantID:       actor.TenantID,
				ThreadID:       req.ThreadID,
				TurnID:         req.TurnID,
				UserID:         actor.UserID,
				Status:         model.TurnQueued,
				IdempotencyKey: req.IdempotencyKey,
				InputSummary:   summary,
				StartedAtMs:    nowMs,
			})
			if err != nil {
				return errors.Wrap(err, "dispatch: write queued turn")
			}
		}
		res = AcceptResult{DispatchID: d.DispatchID, TurnID: d.TurnID, Status: d.Status, Accepted: true}
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	if !res.Existing {
		q.logger.Debug().Str("thread_id", req.ThreadID).Str("dispatch_id", res.DispatchID).Msg("dispatch accepted")
	}
	return res, nil
}

// Claimed is a dispatch reserved by Claim.
type Claimed struct {
	DispatchID       string `json:"dispatchId"`
	TurnID           string `json:"turnId"`
	IdempotencyKey   string `json:"idempotencyKey"`
	InputText        string `json:"inputText"`
	ClaimToken       string `json:"claimToken"`
	LeaseExpiresAtMs int64  `json:"leaseExpiresAtMs"`
	AttemptCount     int    `json:"attemptCount"`
}

// Claim reserves the oldest claimable dispatch of a thread for owner. It
// returns nil when another claim still holds an unexpired lease or nothing
// is queued. The check and the claim happen in one transaction.
func (q *Queue) Claim(ctx context.Context, actor model.Actor, threadID, owner string, lease time.Duration) (*Claimed, error) {
	if q == nil {
		return nil, errors.New("dispatch queue: nil queue")
	}
	if lease <= 0 {
		lease = q.lease
	}
	lease = max(lease, minLease)
	var claimed *Claimed
	err := q.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		claimed = nil
		if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
			return err
		}
		nowMs := q.now().UnixMilli()

		active, err := tx.ListDispatches(ctx, actor.TenantID, threadID, activeStatuses, maxClaimScan)
		if err != nil {
			return errors.Wrap(err, "dispatch: list active dispatches")
		}
		var expired []model.TurnDispatch
		for _, d := range active {
			if d.LeaseExpiresAtMs > nowMs {
				return nil
			}
			if d.Status == model.DispatchClaimed {
				expired = append(expired, d)
			}
		}
		queued, err := tx.ListDispatches(ctx, actor.TenantID, threadID, []model.DispatchStatus{model.DispatchQueued}, maxClaimScan)
		if err != nil {
			return errors.Wrap(err, "dispatch: list queued dispatches")
		}

		var next *model.TurnDispatch
		for _, candidates := range [][]model.TurnDispatch{queued, expired} {
			for i := range candidates {
				d := &candidates[i]
				if d.UserID != actor.UserID {
					continue
				}
				if next == nil || d.CreatedAtMs < next.CreatedAtMs {
					next = d
				}
				break
			}
		}
		if next == nil {
			return nil
		}

		d := *next
		d.Status = model.DispatchClaimed
		d.ClaimOwner = owner
		d.ClaimToken = uuid.NewString()
		d.LeaseExpiresAtMs = nowMs + lease.Milliseconds()
		d.AttemptCount++
		d.FailureCode, d.FailureReason = "", ""
		d.UpdatedAtMs = nowMs
		if err := tx.PutDispatch(ctx, d); err != nil {
			return errors.Wrap(err, "dispatch: write claim")
		}
		claimed = &Claimed{
			DispatchID:       d.DispatchID,
			TurnID:           d.TurnID,
			IdempotencyKey:   d.IdempotencyKey,
			InputText:        d.InputText,
			ClaimToken:       d.ClaimToken,
			LeaseExpiresAtMs: d.LeaseExpiresAtMs,
			AttemptCount:     d.AttemptCount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		q.logger.Debug().
			Str("thread_id", threadID).
			Str("dispatch_id", claimed.DispatchID).
			Str("owner", owner).
			Int("attempt", claimed.AttemptCount).
			Msg("dispatch claimed")
	}
	return claimed, nil
}

// mutate loads an actor's dispatch and applies fn inside one transaction.
func (q *Queue) mutate(ctx context.Context, actor model.Actor, threadID, dispatchID string, fn func(tx syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error)) error {
	if q == nil {
		return errors.New("dispatch queue: nil queue")
	}
	return q.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
			return err
		}
		d, found, err := tx.GetDispatch(ctx, actor.TenantID, threadID, dispatchID)
		if err != nil {
			return errors.Wrap(err, "dispatch: load dispatch")
		}
		if !found {
			return syncerr.New(syncerr.CodeNotFound, "dispatch not found: %s", dispatchID)
		}
		if d.UserID != actor.UserID {
			return syncerr.New(syncerr.CodeAuthTurnForbidden, "user %s is not allowed to access dispatch %s", actor.UserID, dispatchID)
		}
		nowMs := q.now().UnixMilli()
		write, err := fn(tx, &d, nowMs)
		if err != nil || !write {
			return err
		}
		d.UpdatedAtMs = nowMs
		return errors.Wrap(tx.PutDispatch(ctx, d), "dispatch: write dispatch")
	})
}

func checkToken(d *model.TurnDispatch, token string) error {
	if d.ClaimToken == "" || d.ClaimToken != token {
		return syncerr.New(syncerr.CodeClaimTokenMismatch, "dispatch claim token mismatch for dispatchId=%s", d.DispatchID)
	}
	return nil
}

func alreadyTerminal(d *model.TurnDispatch) error {
	return syncerr.New(syncerr.CodeInvalidDispatchState, "dispatch %s already terminal with status=%s", d.DispatchID, d.Status)
}

// MarkStarted records that the runtime accepted the turn and extends the
// lease. Terminal dispatches are left untouched.
func (q *Queue) MarkStarted(ctx context.Context, actor model.Actor, threadID, dispatchID, token, runtimeThreadID, runtimeTurnID string) error {
	return q.mutate(ctx, actor, threadID, dispatchID, func(tx syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error) {
		if d.Status.Terminal() {
			return false, nil
		}
		if d.Status != model.DispatchClaimed && d.Status != model.DispatchStarted {
			return false, syncerr.New(syncerr.CodeInvalidDispatchState, "dispatch %s is not claimed", d.DispatchID)
		}
		if err := checkToken(d, token); err != nil {
			return false, err
		}
		d.Status = model.DispatchStarted
		if runtimeThreadID != "" {
			d.RuntimeThreadID = runtimeThreadID
		}
		switch {
		case runtimeTurnID != "":
			d.RuntimeTurnID = runtimeTurnID
		case d.RuntimeTurnID == "":
			d.RuntimeTurnID = d.TurnID
		}
		if d.StartedAtMs == 0 {
			d.StartedAtMs = nowMs
		}
		d.LeaseExpiresAtMs = nowMs + q.lease.Milliseconds()

		turn, found, err := tx.GetTurn(ctx, d.TenantID, d.ThreadID, d.TurnID)
		if err != nil {
			return false, errors.Wrap(err, "dispatch: load turn")
		}
		if found && turn.Status == model.TurnQueued {
			turn.Status = model.TurnInProgress
			if err := tx.PutTurn(ctx, turn); err != nil {
				return false, errors.Wrap(err, "dispatch: start turn")
			}
		}
		return true, nil
	})
}

// RenewLease pushes the lease of an active dispatch out by lease, or by the
// queue's lease when zero. Terminal dispatches are left untouched.
func (q *Queue) RenewLease(ctx context.Context, actor model.Actor, threadID, dispatchID, token string, lease time.Duration) error {
	if lease <= 0 {
		lease = q.lease
	}
	lease = max(lease, minLease)
	return q.mutate(ctx, actor, threadID, dispatchID, func(_ syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error) {
		if d.Status.Terminal() {
			return false, nil
		}
		if err := checkToken(d, token); err != nil {
			return false, err
		}
		d.LeaseExpiresAtMs = nowMs + lease.Milliseconds()
		return true, nil
	})
}

func (q *Queue) MarkCompleted(ctx context.Context, actor model.Actor, threadID, dispatchID, token string) error {
	return q.mutate(ctx, actor, threadID, dispatchID, func(_ syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error) {
		switch d.Status {
		case model.DispatchCompleted:
			return false, nil
		case model.DispatchFailed, model.DispatchCancelled:
			return false, alreadyTerminal(d)
		}
		if err := checkToken(d, token); err != nil {
			return false, err
		}
		d.Status = model.DispatchCompleted
		d.CompletedAtMs = nowMs
		d.LeaseExpiresAtMs = 0
		return true, nil
	})
}

func (q *Queue) MarkFailed(ctx context.Context, actor model.Actor, threadID, dispatchID, token, code, reason string) error {
	return q.mutate(ctx, actor, threadID, dispatchID, func(_ syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error) {
		switch d.Status {
		case model.DispatchFailed:
			return false, nil
		case model.DispatchCompleted, model.DispatchCancelled:
			return false, alreadyTerminal(d)
		}
		if err := checkToken(d, token); err != nil {
			return false, err
		}
		fail(d, code, reason, nowMs)
		return true, nil
	})
}

// FailUnclaimed fails a dispatch that could not be claimed at all, so it is
// not left queued forever. Dispatches that were claimed meanwhile are left
// to their holder.
func (q *Queue) FailUnclaimed(ctx context.Context, actor model.Actor, threadID, dispatchID, code, reason string) error {
	return q.mutate(ctx, actor, threadID, dispatchID, func(_ syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error) {
		if d.Status != model.DispatchQueued {
			return false, nil
		}
		fail(d, code, reason, nowMs)
		return true, nil
	})
}

func fail(d *model.TurnDispatch, code, reason string, nowMs int64) {
	d.Status = model.DispatchFailed
	d.FailureCode = code
	d.FailureReason = reason
	d.CompletedAtMs = nowMs
	d.LeaseExpiresAtMs = 0
}

// Cancel stops a dispatch. A claimed or started dispatch needs its token.
func (q *Queue) Cancel(ctx context.Context, actor model.Actor, threadID, dispatchID, token, reason string) error {
	return q.mutate(ctx, actor, threadID, dispatchID, func(_ syncstore.Tx, d *model.TurnDispatch, nowMs int64) (bool, error) {
		switch d.Status {
		case model.DispatchCancelled:
			return false, nil
		case model.DispatchCompleted, model.DispatchFailed:
			return false, alreadyTerminal(d)
		case model.DispatchClaimed, model.DispatchStarted:
			if token == "" {
				return false, syncerr.New(syncerr.CodeClaimTokenMismatch,
					"claimToken is required to cancel claimed/started dispatch %s", d.DispatchID)
			}
			if err := checkToken(d, token); err != nil {
				return false, err
			}
		}
		d.Status = model.DispatchCancelled
		d.CancelledAtMs = nowMs
		d.CompletedAtMs = nowMs
		d.LeaseExpiresAtMs = 0
		d.FailureReason = reason
		return true, nil
	})
}

// GetState looks a dispatch up by id, or by turn id when dispatchID is
// empty. It returns nil when nothing matches the actor.
func (q *Queue) GetState(ctx context.Context, actor model.Actor, threadID, dispatchID, turnID string) (*model.TurnDispatch, error) {
	if q == nil {
		return nil, errors.New("dispatch queue: nil queue")
	}
	if dispatchID == "" && turnID == "" {
		return nil, syncerr.New(syncerr.CodeInvalidArgument, "dispatchId or turnId is required")
	}
	var out *model.TurnDispatch
	err := q.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
			return err
		}
		var (
			d     model.TurnDispatch
			found bool
			err   error
		)
		if dispatchID != "" {
			d, found, err = tx.GetDispatch(ctx, actor.TenantID, threadID, dispatchID)
		} else {
			d, found, err = tx.GetDispatchByTurn(ctx, actor.TenantID, threadID, turnID)
		}
		if err != nil {
			return errors.Wrap(err, "dispatch: load dispatch")
		}
		if found && d.UserID == actor.UserID {
			out = &d
		}
		return nil
	})
	return out, err
}

// CompleteForTurn settles the latest non-terminal dispatch of a turn from
// the turn's terminal outcome as observed by ingest. It needs no token.
func (q *Queue) CompleteForTurn(ctx context.Context, tenantID, threadID, turnID string, terminal model.TerminalStatus) (bool, error) {
	if q == nil {
		return false, errors.New("dispatch queue: nil queue")
	}
	settled := false
	err := q.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		settled = false
		d, found, err := tx.GetDispatchByTurn(ctx, tenantID, threadID, turnID)
		if err != nil {
			return errors.Wrap(err, "dispatch: load dispatch for turn")
		}
		if !found || d.Status.Terminal() {
			return nil
		}
		nowMs := q.now().UnixMilli()
		switch terminal.Status {
		case model.TurnCompleted:
			d.Status = model.DispatchCompleted
			d.CompletedAtMs = nowMs
			d.LeaseExpiresAtMs = 0
		case model.TurnInterrupted:
			d.Status = model.DispatchCancelled
			d.CancelledAtMs = nowMs
			d.CompletedAtMs = nowMs
			d.LeaseExpiresAtMs = 0
			d.FailureReason = terminal.Error
		default:
			fail(&d, "TURN_FAILED", terminal.Error, nowMs)
		}
		d.UpdatedAtMs = nowMs
		settled = true
		return errors.Wrap(tx.PutDispatch(ctx, d), "dispatch: settle dispatch")
	})
	if err != nil {
		return false, err
	}
	if settled {
		q.logger.Debug().Str("thread_id", threadID).Str("turn_id", turnID).Str("status", string(terminal.Status)).Msg("dispatch settled by turn outcome")
	}
	return settled, nil
}
