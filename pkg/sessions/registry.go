// Package sessions tracks which device session writes to a thread and fences
// writes from sessions bound elsewhere.
package sessions

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

// EnsureStatus reports whether a heartbeat created the session.
type EnsureStatus string

const (
	EnsureCreated EnsureStatus = "created"
	EnsureActive  EnsureStatus = "active"
	EnsureRebound EnsureStatus = "rebound"
)

type EnsureResult struct {
	Session model.Session
	Status  EnsureStatus
}

type RegistryConfig struct {
	Store  syncstore.Store
	Now    func() time.Time
	Logger *zerolog.Logger
}

type Registry struct {
	store  syncstore.Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("session registry: store is nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "sessions").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Registry{store: cfg.Store, now: now, logger: logger}, nil
}

// RequireThread loads a thread and checks that actor owns it.
func RequireThread(ctx context.Context, tx syncstore.Tx, actor model.Actor, threadID string) (model.Thread, error) {
	thread, found, err := tx.GetThread(ctx, actor.TenantID, threadID)
	if err != nil {
		return model.Thread{}, errors.Wrap(err, "sessions: load thread")
	}
	if !found || thread.Status == model.ThreadDeleted {
		return model.Thread{}, syncerr.New(syncerr.CodeThreadNotFound, "thread not found for tenant: %s", threadID)
	}
	if thread.UserID != actor.UserID {
		return model.Thread{}, syncerr.New(syncerr.CodeAuthThreadForbidden, "thread access denied")
	}
	return thread, nil
}

// RequireBoundSession resolves sessionID and checks that it is bound to
// threadID and to actor's device and user. Only the user check is an
// authorization failure; the other mismatches are recoverable.
func RequireBoundSession(ctx context.Context, tx syncstore.Tx, actor model.Actor, sessionID, threadID string) (model.Session, error) {
	if _, err := RequireThread(ctx, tx, actor, threadID); err != nil {
		return model.Session{}, err
	}
	session, found, err := tx.GetSession(ctx, actor.TenantID, sessionID)
	if err != nil {
		return model.Session{}, errors.Wrap(err, "sessions: load session")
	}
	if !found {
		return model.Session{}, syncerr.New(syncerr.CodeSessionNotFound, "no active session found for sessionId=%s", sessionID)
	}
	if session.ThreadID != threadID {
		return model.Session{}, syncerr.New(syncerr.CodeSessionThreadMismatch,
			"session threadId=%s does not match request threadId=%s", session.ThreadID, threadID)
	}
	if session.DeviceID != actor.DeviceID {
		return model.Session{}, syncerr.New(syncerr.CodeSessionDeviceMismatch,
			"session deviceId=%s does not match actor deviceId=%s", session.DeviceID, actor.DeviceID)
	}
	if session.UserID != actor.UserID {
		return model.Session{}, syncerr.New(syncerr.CodeAuthSessionForbidden,
			"user %s is not allowed to access session %s", actor.UserID, sessionID)
	}
	return session, nil
}

// EnsureThread creates the thread for actor or reactivates an existing one.
func (r *Registry) EnsureThread(ctx context.Context, actor model.Actor, threadID string) (model.Thread, bool, error) {
	if r == nil {
		return model.Thread{}, false, errors.New("session registry: nil registry")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || strings.TrimSpace(actor.TenantID) == "" {
		return model.Thread{}, false, syncerr.New(syncerr.CodeInvalidArgument, "tenant and thread id are required")
	}
	var (
		out     model.Thread
		created bool
	)
	err := r.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		ts := r.now().UnixMilli()
		existing, found, err := tx.GetThread(ctx, actor.TenantID, threadID)
		if err != nil {
			return errors.Wrap(err, "sessions: load thread")
		}
		if found {
			if existing.UserID != actor.UserID {
				return syncerr.New(syncerr.CodeAuthThreadForbidden,
					"user %s is not allowed to access thread %s", actor.UserID, threadID)
			}
			existing.Status = model.ThreadActive
			existing.UpdatedAtMs = ts
			out = existing
		} else {
			out = model.Thread{
				TenantID:    actor.TenantID,
				ThreadID:    threadID,
				UserID:      actor.UserID,
				Status:      model.ThreadActive,
				CreatedAtMs: ts,
				UpdatedAtMs: ts,
			}
			created = true
		}
		return tx.PutThread(ctx, out)
	})
	if err != nil {
		return model.Thread{}, false, err
	}
	if created {
		r.logger.Debug().Str("tenant_id", actor.TenantID).Str("thread_id", threadID).Msg("thread created")
	}
	return out, created, nil
}

// EnsureSession is Heartbeat under the name callers use when opening a session.
func (r *Registry) EnsureSession(ctx context.Context, actor model.Actor, sessionID, threadID string, lastEventCursor int64) (EnsureResult, error) {
	return r.Heartbeat(ctx, actor, sessionID, threadID, lastEventCursor)
}

// Heartbeat creates the session on first use, otherwise fences it and stamps
// its heartbeat. The cursor watermark only moves forward.
func (r *Registry) Heartbeat(ctx context.Context, actor model.Actor, sessionID, threadID string, lastEventCursor int64) (EnsureResult, error) {
	return r.upsert(ctx, actor, sessionID, threadID, lastEventCursor, false)
}

// Rebind is Heartbeat that moves a session bound to another thread or device
// onto threadID and actor's device instead of failing. The user must still
// match.
func (r *Registry) Rebind(ctx context.Context, actor model.Actor, sessionID, threadID string, lastEventCursor int64) (EnsureResult, error) {
	return r.upsert(ctx, actor, sessionID, threadID, lastEventCursor, true)
}

func (r *Registry) upsert(ctx context.Context, actor model.Actor, sessionID, threadID string, lastEventCursor int64, rebind bool) (EnsureResult, error) {
	if r == nil {
		return EnsureResult{}, errors.New("session registry: nil registry")
	}
	if strings.TrimSpace(sessionID) == "" {
		return EnsureResult{}, syncerr.New(syncerr.CodeInvalidArgument, "session id is required")
	}
	if lastEventCursor < 0 {
		lastEventCursor = 0
	}
	var res EnsureResult
	err := r.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		var err error
		res, err = UpsertHeartbeat(ctx, tx, actor, sessionID, threadID, lastEventCursor, r.now().UnixMilli(), rebind)
		return err
	})
	if err != nil {
		return EnsureResult{}, err
	}
	if res.Status != EnsureActive {
		r.logger.Info().
			Str("tenant_id", actor.TenantID).
			Str("session_id", sessionID).
			Str("thread_id", threadID).
			Str("status", string(res.Status)).
			Msg("session bound")
	}
	return res, nil
}

// UpsertHeartbeat is the transactional body of Heartbeat and Rebind.
func UpsertHeartbeat(ctx context.Context, tx syncstore.Tx, actor model.Actor, sessionID, threadID string, lastEventCursor, nowMs int64, rebind bool) (EnsureResult, error) {
	if _, err := RequireThread(ctx, tx, actor, threadID); err != nil {
		return EnsureResult{}, err
	}
	session, found, err := tx.GetSession(ctx, actor.TenantID, sessionID)
	if err != nil {
		return EnsureResult{}, errors.Wrap(err, "sessions: load session")
	}
	if !found {
		session = model.Session{
			TenantID:          actor.TenantID,
			SessionID:         sessionID,
			ThreadID:          threadID,
			DeviceID:          actor.DeviceID,
			UserID:            actor.UserID,
			Status:            model.SessionActive,
			StartedAtMs:       nowMs,
			LastHeartbeatAtMs: nowMs,
			LastEventCursor:   lastEventCursor,
		}
		if err := tx.PutSession(ctx, session); err != nil {
			return EnsureResult{}, errors.Wrap(err, "sessions: insert session")
		}
		return EnsureResult{Session: session, Status: EnsureCreated}, nil
	}

	if session.UserID != actor.UserID {
		return EnsureResult{}, syncerr.New(syncerr.CodeAuthSessionForbidden,
			"user %s is not allowed to access session %s", actor.UserID, sessionID)
	}
	status := EnsureActive
	if session.ThreadID != threadID || session.DeviceID != actor.DeviceID {
		if !rebind {
			if session.ThreadID != threadID {
				return EnsureResult{}, syncerr.New(syncerr.CodeSessionThreadMismatch,
					"session threadId=%s does not match request threadId=%s", session.ThreadID, threadID)
			}
			return EnsureResult{}, syncerr.New(syncerr.CodeSessionDeviceMismatch,
				"session deviceId=%s does not match actor deviceId=%s", session.DeviceID, actor.DeviceID)
		}
		session.ThreadID = threadID
		session.DeviceID = actor.DeviceID
		status = EnsureRebound
	}
	if session.Status != model.SessionActive && status == EnsureActive {
		status = EnsureRebound
	}
	session.Status = model.SessionActive
	session.LastHeartbeatAtMs = nowMs
	session.LastEventCursor = max(session.LastEventCursor, lastEventCursor)
	if err := tx.PutSession(ctx, session); err != nil {
		return EnsureResult{}, errors.Wrap(err, "sessions: update session")
	}
	return EnsureResult{Session: session, Status: status}, nil
}

// TimeoutStaleSessions marks up to limit active sessions of tenantID whose
// heartbeat is older than staleBefore as timed out. An empty tenantID sweeps
// every tenant.
func (r *Registry) TimeoutStaleSessions(ctx context.Context, tenantID string, staleBefore time.Time, limit int) (int, error) {
	if r == nil {
		return 0, errors.New("session registry: nil registry")
	}
	timedOut := 0
	err := r.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		stale, err := tx.ListStaleSessions(ctx, tenantID, staleBefore.UnixMilli(), limit)
		if err != nil {
			return errors.Wrap(err, "sessions: list stale sessions")
		}
		for _, s := range stale {
			s.Status = model.SessionTimedOut
			if err := tx.PutSession(ctx, s); err != nil {
				return errors.Wrap(err, "sessions: time out session")
			}
			timedOut++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if timedOut > 0 {
		r.logger.Info().Str("tenant_id", tenantID).Int("timed_out", timedOut).Msg("stale sessions timed out")
	}
	return timedOut, nil
}
