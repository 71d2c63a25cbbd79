// Package transport exposes the sync engine over HTTP and WebSocket.
//
// Every request is made on behalf of an actor named by the X-Tenant-ID,
// X-User-ID and X-Device-ID headers. Authentication happens in front of this
// server.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

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

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderDeviceID = "X-Device-ID"

	DefaultTenantID = "default"
	maxBodyBytes    = 16 << 20
)

type ServerConfig struct {
	Pipeline *ingest.Pipeline
	Sessions *sessions.Registry
	Replayer *streams.Replayer
	Streams  *streams.Manager
	// The remaining services are optional; their routes answer 404 when nil.
	Dispatch       *dispatch.Queue
	Drainer        *dispatch.Drainer
	ServerRequests *serverrequests.Mirror
	Deletion       *deletion.Service
	Importer       *importer.Importer
	Upgrader       *websocket.Upgrader
	Logger         *zerolog.Logger
}

type Server struct {
	pipeline       *ingest.Pipeline
	sessions       *sessions.Registry
	replayer       *streams.Replayer
	streams        *streams.Manager
	dispatch       *dispatch.Queue
	drainer        *dispatch.Drainer
	serverRequests *serverrequests.Mirror
	deletion       *deletion.Service
	importer       *importer.Importer
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("transport: ingest pipeline is nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("transport: session registry is nil")
	}
	if cfg.Replayer == nil || cfg.Streams == nil {
		return nil, errors.New("transport: replayer and stream manager are required")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if cfg.Upgrader != nil {
		upgrader = *cfg.Upgrader
	}
	logger := log.With().Str("component", "transport").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "transport").Logger()
	}
	return &Server{
		pipeline:       cfg.Pipeline,
		sessions:       cfg.Sessions,
		replayer:       cfg.Replayer,
		streams:        cfg.Streams,
		dispatch:       cfg.Dispatch,
		drainer:        cfg.Drainer,
		serverRequests: cfg.ServerRequests,
		deletion:       cfg.Deletion,
		importer:       cfg.Importer,
		upgrader:       upgrader,
		logger:         logger,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("POST /v1/sessions/heartbeat", post(s, s.heartbeat))
	mux.HandleFunc("POST /v1/replay", post(s, s.replay))
	mux.HandleFunc("POST /v1/checkpoints", post(s, s.upsertCheckpoint))
	mux.HandleFunc("POST /v1/checkpoints/list", post(s, s.listCheckpoints))
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	if s.dispatch != nil {
		mux.HandleFunc("POST /v1/dispatch/accept", post(s, s.acceptDispatch))
		mux.HandleFunc("POST /v1/dispatch/state", post(s, s.dispatchState))
		mux.HandleFunc("POST /v1/dispatch/cancel", post(s, s.cancelDispatch))
	}
	if s.serverRequests != nil {
		mux.HandleFunc("POST /v1/server-requests", post(s, s.upsertServerRequest))
		mux.HandleFunc("POST /v1/server-requests/resolve", post(s, s.resolveServerRequest))
		mux.HandleFunc("POST /v1/server-requests/pending", post(s, s.listServerRequests))
	}
	if s.deletion != nil {
		mux.HandleFunc("POST /v1/deletions", post(s, s.scheduleDeletion))
		mux.HandleFunc("POST /v1/deletions/cancel", post(s, s.cancelDeletion))
		mux.HandleFunc("POST /v1/deletions/force-run", post(s, s.forceRunDeletion))
		mux.HandleFunc("POST /v1/deletions/get", post(s, s.getDeletion))
	}
	if s.importer != nil {
		mux.HandleFunc("POST /v1/import", post(s, s.importThread))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "transport: listen")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "transport: shutdown")
	}
}

// ActorFromRequest reads the actor headers. The user id is required.
func ActorFromRequest(r *http.Request) (model.Actor, error) {
	actor := model.Actor{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		DeviceID: strings.TrimSpace(r.Header.Get(HeaderDeviceID)),
	}
	if actor.TenantID == "" {
		actor.TenantID = DefaultTenantID
	}
	if actor.UserID == "" {
		return model.Actor{}, errors.New("missing " + HeaderUserID + " header")
	}
	return actor, nil
}

type errorBody struct {
	Code    syncerr.Code `json:"code"`
	Message string       `json:"message"`
}

// StatusFor maps a classified error onto an HTTP status.
func StatusFor(err error) int {
	switch code := syncerr.CodeOf(err); {
	case code == syncerr.CodeNotFound || code == syncerr.CodeThreadNotFound:
		return http.StatusNotFound
	case code == syncerr.CodeResourceLimit || code == syncerr.CodeIrreducibleChunk:
		return http.StatusRequestEntityTooLarge
	}
	switch syncerr.CategoryOf(err) {
	case syncerr.CategoryValidation:
		return http.StatusBadRequest
	case syncerr.CategoryAuth:
		return http.StatusForbidden
	case syncerr.CategorySession, syncerr.CategoryOrdering, syncerr.CategoryDispatch, syncerr.CategoryDeletion:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := syncerr.CodeOf(err)
	if code == "" {
		code = syncerr.CodeUnknown
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// post adapts a typed operation to a JSON POST handler.
func post[Req, Resp any](s *Server, fn func(ctx context.Context, actor model.Actor, req Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := ActorFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		var req Req
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, syncerr.Wrap(errors.Wrap(err, "read body"), syncerr.CodeInvalidArgument))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				s.writeError(w, r, syncerr.Wrap(errors.Wrap(err, "decode body"), syncerr.CodeInvalidArgument))
				return
			}
		}
		resp, err := fn(r.Context(), actor, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
