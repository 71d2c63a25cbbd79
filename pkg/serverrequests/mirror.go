// Package serverrequests mirrors the requests a runtime sends to its client
// (approvals, user input, tool calls) so any device can answer them.
package serverrequests

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const (
	DefaultListLimit = 100
	maxListLimit     = 200
)

const questionsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "header", "question", "isOther", "isSecret", "options"],
    "properties": {
      "id": {"type": "string"},
      "header": {"type": "string"},
      "question": {"type": "string"},
      "isOther": {"type": "boolean"},
      "isSecret": {"type": "boolean"},
      "options": {"type": ["array", "null"]}
    }
  }
}`

var (
	questionsSchemaOnce sync.Once
	questionsSchema     *jsonschema.Schema
	questionsSchemaErr  error
)

func compiledQuestionsSchema() (*jsonschema.Schema, error) {
	questionsSchemaOnce.Do(func() {
		questionsSchema, questionsSchemaErr = jsonschema.NewCompiler().Compile([]byte(questionsSchemaJSON))
		if questionsSchemaErr != nil {
			questionsSchemaErr = errors.Wrap(questionsSchemaErr, "serverrequests: compile questions schema")
		}
	})
	return questionsSchema, questionsSchemaErr
}

// Question is one prompt of an item/tool/requestUserInput request.
type Question struct {
	ID       string            `json:"id"`
	Header   string            `json:"header"`
	Question string            `json:"question"`
	IsOther  bool              `json:"isOther"`
	IsSecret bool              `json:"isSecret"`
	Options  []json.RawMessage `json:"options"`
}

// ParseQuestions validates and decodes a questions JSON document. An empty
// document yields nil.
func ParseQuestions(questionsJSON string) ([]Question, error) {
	if questionsJSON == "" {
		return nil, nil
	}
	schema, err := compiledQuestionsSchema()
	if err != nil {
		return nil, err
	}
	if res := schema.ValidateJSON([]byte(questionsJSON)); !res.IsValid() {
		return nil, syncerr.New(syncerr.CodeInvalidArgument, "questionsJson is not a valid question list: %s", fmt.Sprint(res.Errors))
	}
	var out []Question
	if err := json.Unmarshal([]byte(questionsJSON), &out); err != nil {
		return nil, syncerr.Wrap(errors.Wrap(err, "serverrequests: decode questions"), syncerr.CodeInvalidArgument)
	}
	return out, nil
}

type MirrorConfig struct {
	Store  syncstore.Store
	Now    func() time.Time
	Logger *zerolog.Logger
}

type Mirror struct {
	store  syncstore.Store
	now    func() time.Time
	logger zerolog.Logger
}

func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.Store == nil {
		return nil, errors.New("server request mirror: store is nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "serverrequests").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "serverrequests").Logger()
	}
	return &Mirror{store: cfg.Store, now: now, logger: logger}, nil
}

type PendingRequest struct {
	RequestID     model.RequestID           `json:"requestId"`
	ThreadID      string                    `json:"threadId"`
	TurnID        string                    `json:"turnId"`
	ItemID        string                    `json:"itemId"`
	Method        model.ServerRequestMethod `json:"method"`
	PayloadJSON   string                    `json:"payloadJson"`
	Reason        string                    `json:"reason,omitempty"`
	QuestionsJSON string                    `json:"questionsJson,omitempty"`
	RequestedAtMs int64                     `json:"requestedAt,omitempty"`
}

// UpsertPending records a request as pending. Re-sending a request with the
// same id reopens it with the new payload.
func (m *Mirror) UpsertPending(ctx context.Context, actor model.Actor, req PendingRequest) error {
	if m == nil {
		return errors.New("server request mirror: nil mirror")
	}
	if !req.Method.Valid() {
		return syncerr.New(syncerr.CodeInvalidArgument, "unsupported server request method %q", req.Method)
	}
	if _, err := ParseQuestions(req.QuestionsJSON); err != nil {
		return err
	}
	requestedAt := req.RequestedAtMs
	if requestedAt == 0 {
		requestedAt = m.now().UnixMilli()
	}
	return m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if _, err := sessions.RequireThread(ctx, tx, actor, req.ThreadID); err != nil {
			return err
		}
		turn, found, err := tx.GetTurn(ctx, actor.TenantID, req.ThreadID, req.TurnID)
		if err != nil {
			return errors.Wrap(err, "serverrequests: load turn")
		}
		if !found {
			return syncerr.New(syncerr.CodeNotFound, "turn not found: %s", req.TurnID)
		}
		if turn.UserID != actor.UserID {
			return syncerr.New(syncerr.CodeAuthTurnForbidden, "user %s cannot access turn %s", actor.UserID, req.TurnID)
		}

		sr, found, err := tx.GetServerRequest(ctx, actor.TenantID, req.ThreadID, req.RequestID.Key())
		if err != nil {
			return errors.Wrap(err, "serverrequests: load request")
		}
		if found {
			if sr.UserID != actor.UserID {
				return syncerr.New(syncerr.CodeAuthTurnForbidden, "user %s cannot update server request %s", actor.UserID, req.RequestID)
			}
			sr.UpdatedAtMs = m.now().UnixMilli()
			sr.ResolvedAtMs = 0
			sr.ResponseJSON = ""
		} else {
			sr = model.ServerRequest{
				TenantID:    actor.TenantID,
				ThreadID:    req.ThreadID,
				UserID:      actor.UserID,
				RequestID:   req.RequestID,
				CreatedAtMs: requestedAt,
				UpdatedAtMs: requestedAt,
			}
		}
		sr.TurnID = req.TurnID
		sr.ItemID = req.ItemID
		sr.Method = req.Method
		sr.PayloadJSON = req.PayloadJSON
		sr.Status = model.ServerRequestPending
		if req.Reason != "" {
			sr.Reason = req.Reason
		}
		if req.QuestionsJSON != "" {
			sr.QuestionsJSON = req.QuestionsJSON
		}
		return errors.Wrap(tx.PutServerRequest(ctx, sr), "serverrequests: write request")
	})
}

// Resolve answers or expires a pending request. Resolving a request that is
// no longer pending changes nothing.
func (m *Mirror) Resolve(ctx context.Context, actor model.Actor, threadID string, requestID model.RequestID, status model.ServerRequestStatus, responseJSON string) (bool, error) {
	if m == nil {
		return false, errors.New("server request mirror: nil mirror")
	}
	if status != model.ServerRequestAnswered && status != model.ServerRequestExpired {
		return false, syncerr.New(syncerr.CodeInvalidArgument, "cannot resolve server request to status %q", status)
	}
	applied := false
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		applied = false
		if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
			return err
		}
		sr, found, err := tx.GetServerRequest(ctx, actor.TenantID, threadID, requestID.Key())
		if err != nil {
			return errors.Wrap(err, "serverrequests: load request")
		}
		if !found {
			return syncerr.New(syncerr.CodeNotFound, "server request not found: %s", requestID)
		}
		if sr.UserID != actor.UserID {
			return syncerr.New(syncerr.CodeAuthTurnForbidden, "user %s cannot resolve server request %s", actor.UserID, requestID)
		}
		if sr.Status != model.ServerRequestPending {
			return nil
		}
		nowMs := m.now().UnixMilli()
		sr.Status = status
		sr.UpdatedAtMs = nowMs
		sr.ResolvedAtMs = nowMs
		if responseJSON != "" {
			sr.ResponseJSON = responseJSON
		}
		applied = true
		return errors.Wrap(tx.PutServerRequest(ctx, sr), "serverrequests: resolve request")
	})
	if err != nil {
		return false, err
	}
	if applied {
		m.logger.Debug().Str("thread_id", threadID).Str("request_id", requestID.String()).Str("status", string(status)).Msg("server request resolved")
	}
	return applied, nil
}

// PendingView is a pending request with its questions decoded.
type PendingView struct {
	model.ServerRequest
	Questions []Question `json:"questions,omitempty"`
}

// ListPending returns the actor's pending requests, newest first. An empty
// threadID spans all of the actor's threads.
func (m *Mirror) ListPending(ctx context.Context, actor model.Actor, threadID string, limit int) ([]PendingView, error) {
	if m == nil {
		return nil, errors.New("server request mirror: nil mirror")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, maxListLimit)
	var rows []model.ServerRequest
	err := m.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		if threadID != "" {
			if _, err := sessions.RequireThread(ctx, tx, actor, threadID); err != nil {
				return err
			}
		}
		all, err := tx.ListServerRequests(ctx, actor.TenantID, threadID, model.ServerRequestPending, 0)
		if err != nil {
			return errors.Wrap(err, "serverrequests: list pending")
		}
		rows = rows[:0]
		for _, sr := range all {
			if sr.UserID != actor.UserID {
				continue
			}
			rows = append(rows, sr)
			if len(rows) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]PendingView, 0, len(rows))
	for _, sr := range rows {
		questions, err := ParseQuestions(sr.QuestionsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingView{ServerRequest: sr, Questions: questions})
	}
	return out, nil
}
