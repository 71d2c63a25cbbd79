package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const (
	FrameHeartbeat = "heartbeat"
	FrameIngest    = "ingest"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameResult    = "result"

	wsWriteTimeout = 10 * time.Second
)

// Frame is one WebSocket message from a runtime bridge. Heartbeat frames
// carry the session fields, ingest frames a batch envelope.
type Frame struct {
	Type            string          `json:"type"`
	ID              string          `json:"id,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	ThreadID        string          `json:"threadId,omitempty"`
	LastEventCursor int64           `json:"lastEventCursor,omitempty"`
	Batch           json.RawMessage `json:"batch,omitempty"`
}

// ResultFrame answers the frame with the same ID.
type ResultFrame struct {
	Type   string     `json:"type"`
	ID     string     `json:"id,omitempty"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

// handleWS upgrades the connection and serves frames in order until the
// peer disconnects. Replies are written from the read loop, so a bridge sees
// results in the order it sent its frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	wsLog := s.logger.With().
		Str("remote", conn.RemoteAddr().String()).
		Str("tenant_id", actor.TenantID).
		Str("device_id", actor.DeviceID).
		Logger()
	wsLog.Info().Msg("ws connected")
	defer func() {
		_ = conn.Close()
		wsLog.Info().Msg("ws disconnected")
	}()

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.serveFrame(ctx, actor, data, wsLog)
		b, err := json.Marshal(reply)
		if err != nil {
			wsLog.Warn().Err(err).Msg("ws could not encode reply")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			wsLog.Debug().Err(err).Msg("ws write failed")
			return
		}
	}
}

func (s *Server) serveFrame(ctx context.Context, actor model.Actor, data []byte, wsLog zerolog.Logger) any {
	if strings.EqualFold(strings.TrimSpace(string(data)), FramePing) {
		return ResultFrame{Type: FramePong, OK: true}
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return failure("", syncerr.Wrap(err, syncerr.CodeInvalidArgument))
	}
	switch f.Type {
	case FramePing:
		return ResultFrame{Type: FramePong, ID: f.ID, OK: true}
	case FrameHeartbeat:
		res, err := s.heartbeat(ctx, actor, HeartbeatRequest{
			SessionID:       f.SessionID,
			ThreadID:        f.ThreadID,
			LastEventCursor: f.LastEventCursor,
		})
		if err != nil {
			return failure(f.ID, err)
		}
		return ResultFrame{Type: FrameResult, ID: f.ID, OK: true, Result: res}
	case FrameIngest:
		req, err := ingest.DecodeBatch(f.Batch)
		if err != nil {
			return failure(f.ID, err)
		}
		res := s.pipeline.IngestSafe(ctx, actor, req)
		if res.Status == ingest.SafeRejected {
			wsLog.Debug().Str("thread_id", req.ThreadID).Str("session_id", req.SessionID).Msg("ws ingest rejected")
		}
		return ResultFrame{Type: FrameResult, ID: f.ID, OK: res.Status != ingest.SafeRejected, Result: res}
	default:
		return failure(f.ID, syncerr.New(syncerr.CodeInvalidArgument, "unknown frame type %q", f.Type))
	}
}

func failure(id string, err error) ResultFrame {
	code := syncerr.CodeOf(err)
	if code == "" {
		code = syncerr.CodeUnknown
	}
	msg := err.Error()
	if StatusFor(err) == http.StatusInternalServerError {
		msg = "internal error"
	}
	return ResultFrame{Type: FrameResult, ID: id, Error: &errorBody{Code: code, Message: msg}}
}
