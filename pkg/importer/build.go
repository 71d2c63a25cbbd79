// Package importer loads a runtime's full turn history into the store by
// replaying it as synthetic ingest batches.
package importer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/runtimeevents"
)

// SnapshotTurn is one turn of a thread/read snapshot. Items are kept raw so
// the importer forwards them to the pipeline unchanged.
type SnapshotTurn struct {
	ID     string            `json:"id"`
	Status string            `json:"status,omitempty"`
	Error  json.RawMessage   `json:"error,omitempty"`
	Items  []json.RawMessage `json:"items,omitempty"`
}

// Diagnostics counts what BuildThreadImportDeltas did with the snapshot.
type Diagnostics struct {
	Turns               int `json:"turns"`
	SkippedTurns        int `json:"skippedTurns"`
	Items               int `json:"items"`
	RenderableItems     int `json:"renderableItems"`
	GeneratedMessageIDs int `json:"generatedMessageIds"`
	SkippedMissingType  int `json:"skippedMissingType"`
	// Checksum is set by Importer.Import; see ImportChecksum.
	Checksum string `json:"checksum,omitempty"`
}

var renderableItemTypes = map[string]struct{}{
	"userMessage":         {},
	"agentMessage":        {},
	"plan":                {},
	"reasoning":           {},
	"commandExecution":    {},
	"fileChange":          {},
	"mcpToolCall":         {},
	"collabAgentToolCall": {},
	"webSearch":           {},
	"imageView":           {},
	"enteredReviewMode":   {},
	"exitedReviewMode":    {},
	"contextCompaction":   {},
}

func normalizeTurnStatus(status string) model.TurnStatus {
	switch s := model.TurnStatus(status); s {
	case model.TurnCompleted, model.TurnInterrupted, model.TurnFailed, model.TurnInProgress:
		return s
	default:
		return model.TurnCompleted
	}
}

type importError struct {
	Message string `json:"message"`
}

func normalizeTurnError(status model.TurnStatus, raw json.RawMessage) *importError {
	if status == model.TurnCompleted || status == model.TurnInProgress {
		return nil
	}
	var e importError
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &e)
	}
	if strings.TrimSpace(e.Message) != "" {
		return &e
	}
	if status == model.TurnInterrupted {
		return &importError{Message: "Turn interrupted during thread import."}
	}
	return &importError{Message: "Turn failed during thread import."}
}

// ImportStreamID names the single stream that carries one imported turn.
func ImportStreamID(snapshotID, conversationID, turnID string) string {
	return fmt.Sprintf("thread-import:%s:%s:%s:import", snapshotID, conversationID, turnID)
}

// BuildThreadImportDeltas renders a snapshot as stream deltas: turn/started,
// one item/completed per item, and turn/completed unless the turn is still
// in progress. Each turn gets its own stream with cursors starting at zero.
// startMs is the createdAt of the first delta; later deltas increment it.
func BuildThreadImportDeltas(snapshotID, conversationID string, turns []SnapshotTurn, startMs int64) ([]model.Delta, Diagnostics, error) {
	var (
		out   []model.Delta
		diag  Diagnostics
		clock = startMs
	)
	for _, turn := range turns {
		if turn.ID == "" {
			diag.SkippedTurns++
			continue
		}
		diag.Turns++
		streamID := ImportStreamID(snapshotID, conversationID, turn.ID)
		var cursor int64
		push := func(kind string, params any) error {
			payload, err := runtimeevents.Payload(kind, params)
			if err != nil {
				return errors.Wrapf(err, "importer: render %s for turn %s", kind, turn.ID)
			}
			out = append(out, model.Delta{
				Type:        model.DeltaStream,
				EventID:     fmt.Sprintf("thread-import:%s:%s:%s:%d", snapshotID, conversationID, turn.ID, cursor+1),
				ThreadID:    conversationID,
				TurnID:      turn.ID,
				StreamID:    streamID,
				Kind:        kind,
				PayloadJSON: payload,
				CursorStart: cursor,
				CursorEnd:   cursor + 1,
				CreatedAtMs: clock,
			})
			cursor++
			clock++
			return nil
		}

		status := normalizeTurnStatus(turn.Status)
		turnPayload := map[string]any{
			"id":     turn.ID,
			"items":  []any{},
			"status": status,
			"error":  normalizeTurnError(status, turn.Error),
		}
		if err := push(runtimeevents.KindTurnStarted, map[string]any{"threadId": conversationID, "turn": turnPayload}); err != nil {
			return nil, Diagnostics{}, err
		}
		for i, raw := range turn.Items {
			diag.Items++
			var it map[string]any
			if err := json.Unmarshal(raw, &it); err != nil || it == nil {
				diag.SkippedMissingType++
				continue
			}
			itemType, _ := it["type"].(string)
			if itemType == "" {
				diag.SkippedMissingType++
				continue
			}
			_, renderable := renderableItemTypes[itemType]
			if renderable {
				diag.RenderableItems++
			}
			if id, _ := it["id"].(string); id == "" {
				it["id"] = fmt.Sprintf("%s:item:%d", turn.ID, i)
				if renderable {
					diag.GeneratedMessageIDs++
				}
			}
			if err := push(runtimeevents.KindItemCompleted, map[string]any{"threadId": conversationID, "turnId": turn.ID, "item": it}); err != nil {
				return nil, Diagnostics{}, err
			}
		}
		if status != model.TurnInProgress {
			if err := push(runtimeevents.KindTurnCompleted, map[string]any{"threadId": conversationID, "turn": turnPayload}); err != nil {
				return nil, Diagnostics{}, err
			}
		}
	}
	return out, diag, nil
}
