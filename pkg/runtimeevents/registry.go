package runtimeevents

import (
	"encoding/json"

	"github.com/go-go-golems/threadsync/pkg/model"
)

type ApprovalRequest struct {
	ItemID string
	Kind   string
	Reason string
}

type ApprovalResolution struct {
	ItemID string
	Status model.ApprovalStatus
}

type DurableMessage struct {
	MessageID      string
	Role           model.MessageRole
	Status         model.MessageStatus
	SourceItemType string
	Text           string
	PayloadJSON    string
}

type DurableMessageDelta struct {
	MessageID string
	Delta     string
}

// Effects is everything an event implies for durable state. A nil field means
// the event carries no such effect.
type Effects struct {
	Terminal           *model.TerminalStatus
	ApprovalRequest    *ApprovalRequest
	ApprovalResolution *ApprovalResolution
	Message            *DurableMessage
	MessageDelta       *DurableMessageDelta
}

// Parser fills in the effects it recognizes. Parsers never fail: a payload
// they cannot read is simply ignored.
type Parser func(kind, payload string, fx *Effects)

type Registry struct {
	byKind map[string][]Parser
}

func NewRegistry() *Registry {
	return &Registry{byKind: map[string][]Parser{}}
}

func (r *Registry) Register(kind string, p Parser) {
	if r == nil || p == nil {
		return
	}
	r.byKind[kind] = append(r.byKind[kind], p)
}

func (r *Registry) Interpret(kind, payload string) Effects {
	var fx Effects
	if r == nil {
		return fx
	}
	for _, p := range r.byKind[kind] {
		p(kind, payload, &fx)
	}
	return fx
}

// DefaultRegistry knows the runtime's turn, item, approval and delta events.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindTurnCompleted, parseTurnCompleted)
	r.Register(KindError, parseStreamError)
	r.Register(KindTurnAborted, parseTurnAborted)
	r.Register(KindCommandApproval, parseApprovalRequest("commandExecution"))
	r.Register(KindFileChangeApproval, parseApprovalRequest("fileChange"))
	r.Register(KindItemCompleted, parseApprovalResolution)
	r.Register(KindItemStarted, parseDurableMessage)
	r.Register(KindItemCompleted, parseDurableMessage)
	r.Register(KindAgentMessageDelta, parseMessageDelta)
	return r
}

func parseTurnCompleted(kind, payload string, fx *Effects) {
	var p struct {
		Turn *turnInfo `json:"turn"`
	}
	terminal := model.TerminalStatus{Status: model.TurnCompleted}
	if decodeParams(kind, payload, &p) && p.Turn != nil {
		switch p.Turn.Status {
		case "interrupted":
			terminal = model.TerminalStatus{Status: model.TurnInterrupted, Error: errorOr(p.Turn.Error, "turn interrupted")}
		case "failed":
			terminal = model.TerminalStatus{Status: model.TurnFailed, Error: errorOr(p.Turn.Error, "turn failed")}
		}
	}
	fx.Terminal = &terminal
}

func parseStreamError(kind, payload string, fx *Effects) {
	var p struct {
		Error *errorInfo `json:"error"`
	}
	msg := "stream error"
	if decodeParams(kind, payload, &p) {
		msg = errorOr(p.Error, msg)
	}
	fx.Terminal = &model.TerminalStatus{Status: model.TurnFailed, Error: msg}
}

func parseTurnAborted(_, _ string, fx *Effects) {
	fx.Terminal = &model.TerminalStatus{Status: model.TurnInterrupted, Error: "turn aborted"}
}

func parseApprovalRequest(approvalKind string) Parser {
	return func(kind, payload string, fx *Effects) {
		var p struct {
			ItemID string `json:"itemId"`
			Reason string `json:"reason"`
		}
		if !decodeParams(kind, payload, &p) || p.ItemID == "" {
			return
		}
		fx.ApprovalRequest = &ApprovalRequest{ItemID: p.ItemID, Kind: approvalKind, Reason: p.Reason}
	}
}

func parseApprovalResolution(kind, payload string, fx *Effects) {
	var p struct {
		Item *item `json:"item"`
	}
	if !decodeParams(kind, payload, &p) || p.Item == nil || p.Item.ID == "" {
		return
	}
	if p.Item.Type != "commandExecution" && p.Item.Type != "fileChange" {
		return
	}
	switch p.Item.Status {
	case "declined":
		fx.ApprovalResolution = &ApprovalResolution{ItemID: p.Item.ID, Status: model.ApprovalDeclined}
	case "completed", "failed":
		fx.ApprovalResolution = &ApprovalResolution{ItemID: p.Item.ID, Status: model.ApprovalAccepted}
	}
}

func parseDurableMessage(kind, payload string, fx *Effects) {
	var p struct {
		Item json.RawMessage `json:"item"`
	}
	if !decodeParams(kind, payload, &p) || len(p.Item) == 0 {
		return
	}
	var it item
	if json.Unmarshal(p.Item, &it) != nil || it.ID == "" {
		return
	}
	status := model.MessageStreaming
	if kind == KindItemCompleted {
		status = model.MessageStatus(it.completedStatus())
	}
	fx.Message = &DurableMessage{
		MessageID:      it.ID,
		Role:           model.MessageRole(it.role()),
		Status:         status,
		SourceItemType: it.Type,
		Text:           it.text(),
		PayloadJSON:    string(p.Item),
	}
}

func parseMessageDelta(kind, payload string, fx *Effects) {
	var p struct {
		ItemID string `json:"itemId"`
		Delta  string `json:"delta"`
	}
	if !decodeParams(kind, payload, &p) || p.ItemID == "" {
		return
	}
	fx.MessageDelta = &DurableMessageDelta{MessageID: p.ItemID, Delta: p.Delta}
}

func errorOr(e *errorInfo, fallback string) string {
	if e != nil && e.Message != "" {
		return e.Message
	}
	return fallback
}
