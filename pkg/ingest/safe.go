package ingest

import (
	"context"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

type SafeStatus string

const (
	SafeOK               SafeStatus = "ok"
	SafePartial          SafeStatus = "partial"
	SafeSessionRecovered SafeStatus = "session_recovered"
	SafeRejected         SafeStatus = "rejected"
)

const RecoveryActionSessionRebound = "session_rebound"

type SafeError struct {
	Code        syncerr.Code `json:"code"`
	Message     string       `json:"message"`
	Recoverable bool         `json:"recoverable"`
}

type Recovery struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
}

type SafeResult struct {
	Status       SafeStatus    `json:"status"`
	IngestStatus IngestStatus  `json:"ingestStatus"`
	AckedStreams []AckedStream `json:"ackedStreams"`
	Recovery     *Recovery     `json:"recovery,omitempty"`
	Errors       []SafeError   `json:"errors"`
}

// IngestSafe is Ingest for callers that must not handle Go errors. Session
// fencing failures are repaired once by rebinding the session to the
// request's thread and device; every other failure is reported as rejected.
func (p *Pipeline) IngestSafe(ctx context.Context, actor model.Actor, req IngestRequest) SafeResult {
	first, err := p.Ingest(ctx, actor, req)
	if err == nil {
		status := SafeOK
		if first.IngestStatus == IngestPartial {
			status = SafePartial
		}
		return SafeResult{
			Status:       status,
			IngestStatus: first.IngestStatus,
			AckedStreams: first.AckedStreams,
			Errors:       []SafeError{},
		}
	}
	if !syncerr.RecoverableOf(err) {
		return rejected(err, false)
	}
	if p.sessions == nil {
		return rejected(err, true)
	}

	log := p.logger.With().
		Str("thread_id", req.ThreadID).
		Str("session_id", req.SessionID).
		Str("code", string(syncerr.CodeOf(err))).
		Logger()
	if _, rerr := p.sessions.Rebind(ctx, actor, req.SessionID, req.ThreadID, highestCursorEnd(req)); rerr != nil {
		log.Warn().Err(rerr).Msg("session rebind failed")
		return rejected(rerr, syncerr.RecoverableOf(rerr))
	}

	retried, err := p.Ingest(ctx, actor, req)
	if err != nil {
		log.Warn().Err(err).Msg("ingest failed after session rebind")
		return rejected(err, syncerr.RecoverableOf(err))
	}
	log.Info().Msg("session rebound during ingest")
	return SafeResult{
		Status:       SafeSessionRecovered,
		IngestStatus: retried.IngestStatus,
		AckedStreams: retried.AckedStreams,
		Recovery: &Recovery{
			Action:    RecoveryActionSessionRebound,
			SessionID: req.SessionID,
			ThreadID:  req.ThreadID,
		},
		Errors: []SafeError{},
	}
}

func rejected(err error, recoverable bool) SafeResult {
	return SafeResult{
		Status:       SafeRejected,
		IngestStatus: IngestPartial,
		AckedStreams: []AckedStream{},
		Errors: []SafeError{{
			Code:        syncerr.Public(syncerr.CodeOf(err)),
			Message:     err.Error(),
			Recoverable: recoverable,
		}},
	}
}

func highestCursorEnd(req IngestRequest) int64 {
	var highest int64
	for _, d := range req.StreamDeltas {
		highest = max(highest, d.CursorEnd)
	}
	return highest
}
