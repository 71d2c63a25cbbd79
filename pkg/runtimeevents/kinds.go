// Package runtimeevents interprets the JSON payloads emitted by the agent
// runtime. Payloads are `{"method": <kind>, "params": {...}}` envelopes.
package runtimeevents

import (
	"strings"

	"github.com/go-go-golems/threadsync/pkg/model"
)

const (
	KindTurnStarted        = "turn/started"
	KindTurnCompleted      = "turn/completed"
	KindItemStarted        = "item/started"
	KindItemCompleted      = "item/completed"
	KindError              = "error"
	KindTurnAborted        = "codex/event/turn_aborted"
	KindAgentMessageDelta  = "item/agentMessage/delta"
	KindCommandApproval    = "item/commandExecution/requestApproval"
	KindFileChangeApproval = "item/fileChange/requestApproval"

	// KindStreamDrainComplete marks a stream whose retained deltas were
	// removed by cleanup. It is written by the engine, never by the runtime.
	KindStreamDrainComplete = "stream/drain_complete"
)

var lifecycleKinds = map[string]struct{}{
	KindTurnStarted:   {},
	KindTurnCompleted: {},
	KindItemStarted:   {},
	KindItemCompleted: {},
	KindError:         {},
	KindTurnAborted:   {},
}

var deltaKinds = map[string]struct{}{
	KindAgentMessageDelta: {},
}

// IsLifecycleKind reports kinds whose stream deltas are always retained.
func IsLifecycleKind(kind string) bool {
	_, ok := lifecycleKinds[kind]
	return ok
}

// IsDeltaKind reports kinds retained only when stream delta persistence is on.
func IsDeltaKind(kind string) bool {
	_, ok := deltaKinds[kind]
	return ok
}

// SyntheticTurnStatus is the status given to a turn first seen through kind.
func SyntheticTurnStatus(kind string, terminal *model.TerminalStatus) model.TurnStatus {
	if terminal != nil {
		return terminal.Status
	}
	if kind == KindTurnStarted || strings.HasPrefix(kind, "item/") {
		return model.TurnInProgress
	}
	return model.TurnQueued
}

// RequiresPayloadTurnID reports kinds that must name their turn in the payload.
func RequiresPayloadTurnID(d model.Delta) bool {
	if strings.HasPrefix(d.Kind, "codex/event/") {
		return true
	}
	return d.Type == model.DeltaStream && (d.Kind == KindTurnStarted || d.Kind == KindTurnCompleted)
}
