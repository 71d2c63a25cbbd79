package transport

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/deletion"
	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/importer"
	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/serverrequests"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/streams"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

// handleIngest validates the body against the batch schema and answers with
// the safe ingest result. Rejections are reported in the body with 200.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, syncerr.Wrap(errors.Wrap(err, "read body"), syncerr.CodeInvalidBatch))
		return
	}
	req, err := ingest.DecodeBatch(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.IngestSafe(r.Context(), actor, req))
}

type HeartbeatRequest struct {
	SessionID       string `json:"sessionId"`
	ThreadID        string `json:"threadId"`
	LastEventCursor int64  `json:"lastEventCursor"`
}

type HeartbeatResponse struct {
	Status  sessions.EnsureStatus `json:"status"`
	Session model.Session         `json:"session"`
}

// heartbeat creates the thread on first contact, then opens or refreshes the
// session.
func (s *Server) heartbeat(ctx context.Context, actor model.Actor, req HeartbeatRequest) (HeartbeatResponse, error) {
	if _, _, err := s.sessions.EnsureThread(ctx, actor, req.ThreadID); err != nil {
		return HeartbeatResponse{}, err
	}
	res, err := s.sessions.Heartbeat(ctx, actor, req.SessionID, req.ThreadID, req.LastEventCursor)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return HeartbeatResponse{Status: res.Status, Session: res.Session}, nil
}

func (s *Server) replay(ctx context.Context, actor model.Actor, req streams.PullRequest) (streams.PullResult, error) {
	return s.replayer.PullState(ctx, actor, req)
}

type CheckpointRequest struct {
	ThreadID string `json:"threadId"`
	StreamID string `json:"streamId"`
	Cursor   int64  `json:"cursor"`
	DeviceID string `json:"deviceId,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) upsertCheckpoint(ctx context.Context, actor model.Actor, req CheckpointRequest) (okResponse, error) {
	if err := s.streams.UpsertCheckpoint(ctx, actor, req.ThreadID, req.StreamID, req.Cursor); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

func (s *Server) listCheckpoints(ctx context.Context, actor model.Actor, req CheckpointRequest) ([]model.StreamCheckpoint, error) {
	return s.streams.ListCheckpoints(ctx, actor, req.ThreadID, req.DeviceID)
}

// acceptDispatch records the send and wakes the drainer for the thread.
func (s *Server) acceptDispatch(ctx context.Context, actor model.Actor, req dispatch.AcceptRequest) (dispatch.AcceptResult, error) {
	res, err := s.dispatch.Accept(ctx, actor, req)
	if err != nil {
		return dispatch.AcceptResult{}, err
	}
	if s.drainer != nil && !res.Existing {
		s.drainer.Kick(actor, req.ThreadID, res.DispatchID)
	}
	return res, nil
}

type DispatchRef struct {
	ThreadID   string `json:"threadId"`
	DispatchID string `json:"dispatchId,omitempty"`
	TurnID     string `json:"turnId,omitempty"`
	ClaimToken string `json:"claimToken,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) dispatchState(ctx context.Context, actor model.Actor, req DispatchRef) (*model.TurnDispatch, error) {
	st, err := s.dispatch.GetState(ctx, actor, req.ThreadID, req.DispatchID, req.TurnID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, syncerr.New(syncerr.CodeNotFound, "dispatch not found")
	}
	return st, nil
}

func (s *Server) cancelDispatch(ctx context.Context, actor model.Actor, req DispatchRef) (okResponse, error) {
	if err := s.dispatch.Cancel(ctx, actor, req.ThreadID, req.DispatchID, req.ClaimToken, req.Reason); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

func (s *Server) upsertServerRequest(ctx context.Context, actor model.Actor, req serverrequests.PendingRequest) (okResponse, error) {
	if err := s.serverRequests.UpsertPending(ctx, actor, req); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

type ResolveServerRequest struct {
	ThreadID     string                    `json:"threadId"`
	RequestID    model.RequestID           `json:"requestId"`
	Status       model.ServerRequestStatus `json:"status"`
	ResponseJSON string                    `json:"responseJson,omitempty"`
}

type ResolveResponse struct {
	Applied bool `json:"applied"`
}

func (s *Server) resolveServerRequest(ctx context.Context, actor model.Actor, req ResolveServerRequest) (ResolveResponse, error) {
	applied, err := s.serverRequests.Resolve(ctx, actor, req.ThreadID, req.RequestID, req.Status, req.ResponseJSON)
	return ResolveResponse{Applied: applied}, err
}

type ListPendingRequest struct {
	ThreadID string `json:"threadId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) listServerRequests(ctx context.Context, actor model.Actor, req ListPendingRequest) ([]serverrequests.PendingView, error) {
	return s.serverRequests.ListPending(ctx, actor, req.ThreadID, req.Limit)
}

type ScheduleDeletionRequest struct {
	Kind      model.DeletionTargetKind `json:"kind"`
	ThreadID  string                   `json:"threadId,omitempty"`
	TurnID    string                   `json:"turnId,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	DelayMs   int64                    `json:"delayMs,omitempty"`
	BatchSize int                      `json:"batchSize,omitempty"`
}

func (s *Server) scheduleDeletion(ctx context.Context, actor model.Actor, req ScheduleDeletionRequest) (deletion.Scheduled, error) {
	return s.deletion.Schedule(ctx, actor, req.Kind, deletion.ScheduleRequest{
		ThreadID:  req.ThreadID,
		TurnID:    req.TurnID,
		Reason:    req.Reason,
		Delay:     time.Duration(req.DelayMs) * time.Millisecond,
		BatchSize: req.BatchSize,
	})
}

type DeletionRef struct {
	DeletionJobID string `json:"deletionJobId"`
	BatchSize     int    `json:"batchSize,omitempty"`
}

func (s *Server) cancelDeletion(ctx context.Context, actor model.Actor, req DeletionRef) (ResolveResponse, error) {
	applied, err := s.deletion.Cancel(ctx, actor, req.DeletionJobID)
	return ResolveResponse{Applied: applied}, err
}

func (s *Server) forceRunDeletion(ctx context.Context, actor model.Actor, req DeletionRef) (ResolveResponse, error) {
	applied, err := s.deletion.ForceRun(ctx, actor, req.DeletionJobID, req.BatchSize)
	return ResolveResponse{Applied: applied}, err
}

func (s *Server) getDeletion(ctx context.Context, actor model.Actor, req DeletionRef) (model.DeletionJob, error) {
	return s.deletion.Get(ctx, actor, req.DeletionJobID)
}

func (s *Server) importThread(ctx context.Context, actor model.Actor, req importer.ImportRequest) (importer.ImportResult, error) {
	return s.importer.Import(ctx, actor, req)
}
