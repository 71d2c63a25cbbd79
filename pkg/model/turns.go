package model

type TurnStatus string

const (
	TurnQueued      TurnStatus = "queued"
	TurnInProgress  TurnStatus = "inProgress"
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnInterrupted || s == TurnFailed
}

type Turn struct {
	TenantID       string     `json:"tenantId"`
	ThreadID       string     `json:"threadId"`
	TurnID         string     `json:"turnId"`
	UserID         string     `json:"userId"`
	Status         TurnStatus `json:"status"`
	IdempotencyKey string     `json:"idempotencyKey"`
	InputSummary   string     `json:"inputSummary,omitempty"`
	StartedAtMs    int64      `json:"startedAtMs"`
	CompletedAtMs  int64      `json:"completedAtMs,omitempty"`
	ErrorMessage   string     `json:"error,omitempty"`
}

// TerminalStatus is a terminal outcome decoded from a runtime event.
type TerminalStatus struct {
	Status TurnStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// TerminalRank orders terminal outcomes: failed > interrupted > completed.
// Non-terminal statuses rank 0.
func TerminalRank(status TurnStatus) int {
	switch status {
	case TurnFailed:
		return 3
	case TurnInterrupted:
		return 2
	case TurnCompleted:
		return 1
	default:
		return 0
	}
}

// PickTerminal returns next when it outranks current. Ties keep current.
func PickTerminal(current *TerminalStatus, next TerminalStatus) TerminalStatus {
	if current == nil {
		return next
	}
	if TerminalRank(next.Status) > TerminalRank(current.Status) {
		return next
	}
	return *current
}

// MergeTurnStatus applies an incoming terminal status to a stored one without
// ever letting it regress.
func MergeTurnStatus(current TurnStatus, incoming TurnStatus) TurnStatus {
	if !current.Terminal() {
		return incoming
	}
	if TerminalRank(current) > TerminalRank(incoming) {
		return current
	}
	return incoming
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

type MessageStatus string

const (
	MessageStreaming   MessageStatus = "streaming"
	MessageCompleted   MessageStatus = "completed"
	MessageFailed      MessageStatus = "failed"
	MessageInterrupted MessageStatus = "interrupted"
)

type Message struct {
	TenantID       string        `json:"tenantId"`
	ThreadID       string        `json:"threadId"`
	TurnID         string        `json:"turnId"`
	MessageID      string        `json:"messageId"`
	UserID         string        `json:"userId"`
	Role           MessageRole   `json:"role"`
	Status         MessageStatus `json:"status"`
	Text           string        `json:"text"`
	SourceItemType string        `json:"sourceItemType"`
	OrderInTurn    int64         `json:"orderInTurn"`
	PayloadJSON    string        `json:"payloadJson"`
	Error          string        `json:"error,omitempty"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	CompletedAtMs  int64         `json:"completedAtMs,omitempty"`
}

// MergeMessageStatus keeps failed sticky, keeps interrupted unless the
// incoming status is failed, and ignores an incoming streaming status.
func MergeMessageStatus(existing, incoming MessageStatus) MessageStatus {
	switch {
	case existing == MessageFailed:
		return MessageFailed
	case existing == MessageInterrupted && incoming != MessageFailed:
		return MessageInterrupted
	case incoming == MessageStreaming:
		return existing
	default:
		return incoming
	}
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalAccepted ApprovalStatus = "accepted"
	ApprovalDeclined ApprovalStatus = "declined"
)

type Approval struct {
	TenantID    string         `json:"tenantId"`
	ThreadID    string         `json:"threadId"`
	TurnID      string         `json:"turnId"`
	ItemID      string         `json:"itemId"`
	UserID      string         `json:"userId"`
	Kind        string         `json:"kind"`
	Status      ApprovalStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	DecidedBy   string         `json:"decidedBy,omitempty"`
	DecidedAtMs int64          `json:"decidedAtMs,omitempty"`
	CreatedAtMs int64          `json:"createdAtMs"`
}
