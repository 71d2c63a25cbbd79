package model

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type DispatchStatus string

const (
	DispatchQueued    DispatchStatus = "queued"
	DispatchClaimed   DispatchStatus = "claimed"
	DispatchStarted   DispatchStatus = "started"
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
	DispatchCancelled DispatchStatus = "cancelled"
)

func (s DispatchStatus) Terminal() bool {
	return s == DispatchCompleted || s == DispatchFailed || s == DispatchCancelled
}

type TurnDispatch struct {
	TenantID         string         `json:"tenantId"`
	DispatchID       string         `json:"dispatchId"`
	ThreadID         string         `json:"threadId"`
	TurnID           string         `json:"turnId"`
	UserID           string         `json:"userId"`
	IdempotencyKey   string         `json:"idempotencyKey"`
	InputText        string         `json:"inputText"`
	InputFingerprint string         `json:"inputFingerprint"`
	Status           DispatchStatus `json:"status"`
	ClaimOwner       string         `json:"claimOwner,omitempty"`
	ClaimToken       string         `json:"claimToken,omitempty"`
	LeaseExpiresAtMs int64          `json:"leaseExpiresAtMs"`
	AttemptCount     int            `json:"attemptCount"`
	RuntimeThreadID  string         `json:"runtimeThreadId,omitempty"`
	RuntimeTurnID    string         `json:"runtimeTurnId,omitempty"`
	FailureCode      string         `json:"failureCode,omitempty"`
	FailureReason    string         `json:"failureReason,omitempty"`
	CreatedAtMs      int64          `json:"createdAtMs"`
	UpdatedAtMs      int64          `json:"updatedAtMs"`
	StartedAtMs      int64          `json:"startedAtMs,omitempty"`
	CompletedAtMs    int64          `json:"completedAtMs,omitempty"`
	CancelledAtMs    int64          `json:"cancelledAtMs,omitempty"`
}

type DeletionTargetKind string

const (
	DeletionTargetThread DeletionTargetKind = "thread"
	DeletionTargetTurn   DeletionTargetKind = "turn"
	DeletionTargetActor  DeletionTargetKind = "actor"
)

type DeletionStatus string

const (
	DeletionScheduled DeletionStatus = "scheduled"
	DeletionQueued    DeletionStatus = "queued"
	DeletionRunning   DeletionStatus = "running"
	DeletionCompleted DeletionStatus = "completed"
	DeletionFailed    DeletionStatus = "failed"
	DeletionCancelled DeletionStatus = "cancelled"
)

func (s DeletionStatus) Terminal() bool {
	return s == DeletionCompleted || s == DeletionFailed || s == DeletionCancelled
}

type DeletionJob struct {
	TenantID             string             `json:"tenantId"`
	DeletionJobID        string             `json:"deletionJobId"`
	UserScope            string             `json:"userScope"`
	UserID               string             `json:"userId"`
	TargetKind           DeletionTargetKind `json:"targetKind"`
	ThreadID             string             `json:"threadId,omitempty"`
	TurnID               string             `json:"turnId,omitempty"`
	Status               DeletionStatus     `json:"status"`
	Reason               string             `json:"reason,omitempty"`
	Phase                string             `json:"phase,omitempty"`
	DeletedCountsByTable map[string]int     `json:"deletedCountsByTable"`
	ScheduledForMs       int64              `json:"scheduledForMs,omitempty"`
	ErrorCode            string             `json:"errorCode,omitempty"`
	ErrorMessage         string             `json:"errorMessage,omitempty"`
	CreatedAtMs          int64              `json:"createdAtMs"`
	UpdatedAtMs          int64              `json:"updatedAtMs"`
	StartedAtMs          int64              `json:"startedAtMs,omitempty"`
	CompletedAtMs        int64              `json:"completedAtMs,omitempty"`
	CancelledAtMs        int64              `json:"cancelledAtMs,omitempty"`
}

type ServerRequestMethod string

const (
	MethodCommandApproval    ServerRequestMethod = "item/commandExecution/requestApproval"
	MethodFileChangeApproval ServerRequestMethod = "item/fileChange/requestApproval"
	MethodToolUserInput      ServerRequestMethod = "item/tool/requestUserInput"
	MethodToolCall           ServerRequestMethod = "item/tool/call"
)

func (m ServerRequestMethod) Valid() bool {
	switch m {
	case MethodCommandApproval, MethodFileChangeApproval, MethodToolUserInput, MethodToolCall:
		return true
	default:
		return false
	}
}

type ServerRequestStatus string

const (
	ServerRequestPending  ServerRequestStatus = "pending"
	ServerRequestAnswered ServerRequestStatus = "answered"
	ServerRequestExpired  ServerRequestStatus = "expired"
)

// RequestID is a JSON-RPC id: either a string or an integer.
type RequestID struct {
	Str     string
	Num     int64
	Numeric bool
}

func StringRequestID(s string) RequestID { return RequestID{Str: s} }

func NumericRequestID(n int64) RequestID { return RequestID{Num: n, Numeric: true} }

// Key is the storage form. Numeric and string ids never collide.
func (r RequestID) Key() string {
	if r.Numeric {
		return "n:" + strconv.FormatInt(r.Num, 10)
	}
	return "s:" + r.Str
}

func (r RequestID) String() string {
	if r.Numeric {
		return strconv.FormatInt(r.Num, 10)
	}
	return r.Str
}

func ParseRequestIDKey(key string) (RequestID, error) {
	switch {
	case strings.HasPrefix(key, "n:"):
		n, err := strconv.ParseInt(key[2:], 10, 64)
		if err != nil {
			return RequestID{}, errors.Wrap(err, "request id: parse numeric key")
		}
		return NumericRequestID(n), nil
	case strings.HasPrefix(key, "s:"):
		return StringRequestID(key[2:]), nil
	default:
		return RequestID{}, errors.Errorf("request id: malformed key %q", key)
	}
}

func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.Numeric {
		return json.Marshal(r.Num)
	}
	return json.Marshal(r.Str)
}

func (r *RequestID) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*r = NumericRequestID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "request id: expected string or integer")
	}
	*r = StringRequestID(s)
	return nil
}

type ServerRequest struct {
	TenantID      string              `json:"tenantId"`
	ThreadID      string              `json:"threadId"`
	TurnID        string              `json:"turnId"`
	ItemID        string              `json:"itemId"`
	UserID        string              `json:"userId"`
	RequestID     RequestID           `json:"requestId"`
	Method        ServerRequestMethod `json:"method"`
	PayloadJSON   string              `json:"payloadJson"`
	Reason        string              `json:"reason,omitempty"`
	QuestionsJSON string              `json:"questionsJson,omitempty"`
	Status        ServerRequestStatus `json:"status"`
	ResponseJSON  string              `json:"responseJson,omitempty"`
	CreatedAtMs   int64               `json:"createdAtMs"`
	UpdatedAtMs   int64               `json:"updatedAtMs"`
	ResolvedAtMs  int64               `json:"resolvedAtMs,omitempty"`
}
