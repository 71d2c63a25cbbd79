package runtimeevents

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
)

func mustPayload(t *testing.T, kind string, params any) string {
	t.Helper()
	p, err := Payload(kind, params)
	require.NoError(t, err)
	return p
}

func TestTerminalStatusFromTurnCompleted(t *testing.T) {
	r := DefaultRegistry()

	fx := r.Interpret(KindTurnCompleted, mustPayload(t, KindTurnCompleted, map[string]any{
		"turn": map[string]any{"id": "t1", "status": "failed", "error": map[string]any{"message": "rate limited"}},
	}))
	require.NotNil(t, fx.Terminal)
	require.Equal(t, model.TurnFailed, fx.Terminal.Status)
	require.Equal(t, "rate limited", fx.Terminal.Error)

	fx = r.Interpret(KindTurnCompleted, mustPayload(t, KindTurnCompleted, map[string]any{
		"turn": map[string]any{"id": "t1", "status": "interrupted"},
	}))
	require.Equal(t, model.TurnInterrupted, fx.Terminal.Status)
	require.Equal(t, "turn interrupted", fx.Terminal.Error)

	fx = r.Interpret(KindTurnCompleted, `not json`)
	require.Equal(t, model.TurnCompleted, fx.Terminal.Status)
}

func TestTerminalStatusFromErrorAndAbort(t *testing.T) {
	r := DefaultRegistry()

	fx := r.Interpret(KindError, mustPayload(t, KindError, map[string]any{"error": map[string]any{"message": "socket closed"}}))
	require.Equal(t, model.TurnFailed, fx.Terminal.Status)
	require.Equal(t, "socket closed", fx.Terminal.Error)

	fx = r.Interpret(KindError, `{}`)
	require.Equal(t, "stream error", fx.Terminal.Error)

	fx = r.Interpret(KindTurnAborted, `{}`)
	require.Equal(t, model.TurnInterrupted, fx.Terminal.Status)

	fx = r.Interpret(KindTurnStarted, `{}`)
	require.Nil(t, fx.Terminal)
}

func TestApprovalRequestAndResolution(t *testing.T) {
	r := DefaultRegistry()

	fx := r.Interpret(KindCommandApproval, mustPayload(t, KindCommandApproval, map[string]any{"itemId": "i1", "reason": "rm -rf"}))
	require.NotNil(t, fx.ApprovalRequest)
	require.Equal(t, "commandExecution", fx.ApprovalRequest.Kind)
	require.Equal(t, "rm -rf", fx.ApprovalRequest.Reason)

	fx = r.Interpret(KindFileChangeApproval, mustPayload(t, KindFileChangeApproval, map[string]any{}))
	require.Nil(t, fx.ApprovalRequest)

	fx = r.Interpret(KindItemCompleted, mustPayload(t, KindItemCompleted, map[string]any{
		"item": map[string]any{"id": "i1", "type": "commandExecution", "status": "declined", "command": "ls"},
	}))
	require.Equal(t, model.ApprovalDeclined, fx.ApprovalResolution.Status)
	require.Equal(t, model.MessageInterrupted, fx.Message.Status)
	require.Equal(t, model.RoleTool, fx.Message.Role)
	require.Equal(t, "ls", fx.Message.Text)

	fx = r.Interpret(KindItemCompleted, mustPayload(t, KindItemCompleted, map[string]any{
		"item": map[string]any{"id": "i2", "type": "fileChange", "status": "failed", "changes": []any{1, 2}},
	}))
	require.Equal(t, model.ApprovalAccepted, fx.ApprovalResolution.Status)
	require.Equal(t, model.MessageFailed, fx.Message.Status)
	require.Equal(t, "File changes: 2", fx.Message.Text)
}

func TestDurableMessageText(t *testing.T) {
	r := DefaultRegistry()
	cases := []struct {
		name string
		item map[string]any
		role model.MessageRole
		text string
	}{
		{"user", map[string]any{"id": "m", "type": "userMessage", "content": []any{
			map[string]any{"type": "text", "text": "hello"},
			map[string]any{"type": "image", "url": "http://x/y.png"},
		}}, model.RoleUser, "hello\n[image] http://x/y.png"},
		{"agent", map[string]any{"id": "m", "type": "agentMessage", "text": "hi"}, model.RoleAssistant, "hi"},
		{"reasoning", map[string]any{"id": "m", "type": "reasoning", "summary": []string{"a"}, "content": []string{"b"}}, model.RoleAssistant, "a\nb"},
		{"command output", map[string]any{"id": "m", "type": "commandExecution", "command": "ls", "aggregatedOutput": "out"}, model.RoleTool, "out"},
		{"mcp", map[string]any{"id": "m", "type": "mcpToolCall", "server": "s", "tool": "t"}, model.RoleTool, "s/t"},
		{"compaction", map[string]any{"id": "m", "type": "contextCompaction"}, model.RoleSystem, "Context compaction"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fx := r.Interpret(KindItemStarted, mustPayload(t, KindItemStarted, map[string]any{"item": c.item}))
			require.NotNil(t, fx.Message)
			require.Equal(t, model.MessageStreaming, fx.Message.Status)
			require.Equal(t, c.role, fx.Message.Role)
			require.Equal(t, c.text, fx.Message.Text)
		})
	}
}

func TestMessageDelta(t *testing.T) {
	r := DefaultRegistry()
	fx := r.Interpret(KindAgentMessageDelta, mustPayload(t, KindAgentMessageDelta, map[string]any{"itemId": "m1", "delta": "ab"}))
	require.Equal(t, &DurableMessageDelta{MessageID: "m1", Delta: "ab"}, fx.MessageDelta)

	fx = r.Interpret(KindAgentMessageDelta, mustPayload(t, KindItemStarted, map[string]any{"itemId": "m1", "delta": "ab"}))
	require.Nil(t, fx.MessageDelta)
}

func TestPayloadTurnID(t *testing.T) {
	require.Equal(t, "t1", PayloadTurnID(KindTurnStarted, mustPayload(t, KindTurnStarted, map[string]any{"turn": map[string]any{"id": "t1"}})))
	require.Equal(t, "t2", PayloadTurnID(KindItemStarted, mustPayload(t, KindItemStarted, map[string]any{"turnId": "t2"})))
	require.Equal(t, "t3", PayloadTurnID(KindTurnAborted, mustPayload(t, KindTurnAborted, map[string]any{"msg": map[string]any{"turn_id": "t3"}})))
	require.Equal(t, "", PayloadTurnID(KindItemStarted, "garbage"))
}

func TestSyntheticTurnStatus(t *testing.T) {
	require.Equal(t, model.TurnInProgress, SyntheticTurnStatus(KindTurnStarted, nil))
	require.Equal(t, model.TurnInProgress, SyntheticTurnStatus(KindAgentMessageDelta, nil))
	require.Equal(t, model.TurnQueued, SyntheticTurnStatus("thread/tokenUsage/updated", nil))
	require.Equal(t, model.TurnFailed, SyntheticTurnStatus(KindError, &model.TerminalStatus{Status: model.TurnFailed}))
}

func TestRegistryCustomParser(t *testing.T) {
	r := NewRegistry()
	r.Register("custom/done", func(_, _ string, fx *Effects) {
		fx.Terminal = &model.TerminalStatus{Status: model.TurnCompleted}
	})
	require.NotNil(t, r.Interpret("custom/done", "").Terminal)
	require.Nil(t, r.Interpret(KindTurnCompleted, "").Terminal)
}
