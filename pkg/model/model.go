// Package model holds the durable records of the sync engine.
//
// All timestamps are Unix milliseconds.
package model

import "strings"

const AnonymousUserScope = "anonymous"

// Actor identifies who is calling: a tenant, a user within it and the device
// the call originates from.
type Actor struct {
	TenantID string `json:"tenantId" yaml:"tenant-id"`
	UserID   string `json:"userId" yaml:"user-id"`
	DeviceID string `json:"deviceId" yaml:"device-id"`
}

func (a Actor) UserScope() string {
	if id := strings.TrimSpace(a.UserID); id != "" {
		return id
	}
	return AnonymousUserScope
}

type ThreadStatus string

const (
	ThreadActive  ThreadStatus = "active"
	ThreadDeleted ThreadStatus = "deleted"
)

type Thread struct {
	TenantID    string       `json:"tenantId"`
	ThreadID    string       `json:"threadId"`
	UserID      string       `json:"userId"`
	Status      ThreadStatus `json:"status"`
	CreatedAtMs int64        `json:"createdAtMs"`
	UpdatedAtMs int64        `json:"updatedAtMs"`
}

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionTimedOut SessionStatus = "timedOut"
)

type Session struct {
	TenantID          string        `json:"tenantId"`
	SessionID         string        `json:"sessionId"`
	ThreadID          string        `json:"threadId"`
	DeviceID          string        `json:"deviceId"`
	UserID            string        `json:"userId"`
	Status            SessionStatus `json:"status"`
	StartedAtMs       int64         `json:"startedAtMs"`
	LastHeartbeatAtMs int64         `json:"lastHeartbeatAtMs"`
	LastEventCursor   int64         `json:"lastEventCursor"`
}

type StreamState string

const (
	StreamStreaming StreamState = "streaming"
	StreamFinished  StreamState = "finished"
	StreamAborted   StreamState = "aborted"
)

type Stream struct {
	TenantID              string      `json:"tenantId"`
	ThreadID              string      `json:"threadId"`
	StreamID              string      `json:"streamId"`
	TurnID                string      `json:"turnId"`
	State                 StreamState `json:"state"`
	AbortReason           string      `json:"abortReason,omitempty"`
	StartedAtMs           int64       `json:"startedAtMs"`
	EndedAtMs             int64       `json:"endedAtMs,omitempty"`
	CleanupJobID          string      `json:"cleanupJobId,omitempty"`
	CleanupScheduledForMs int64       `json:"cleanupScheduledForMs,omitempty"`
}

type StreamStat struct {
	TenantID     string      `json:"tenantId"`
	ThreadID     string      `json:"threadId"`
	StreamID     string      `json:"streamId"`
	TurnID       string      `json:"turnId"`
	State        StreamState `json:"state"`
	DeltaCount   int64       `json:"deltaCount"`
	LatestCursor int64       `json:"latestCursor"`
	UpdatedAtMs  int64       `json:"updatedAtMs"`
}

type StreamDelta struct {
	TenantID    string `json:"tenantId"`
	ThreadID    string `json:"threadId"`
	TurnID      string `json:"turnId"`
	StreamID    string `json:"streamId"`
	EventID     string `json:"eventId"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payloadJson"`
	CursorStart int64  `json:"cursorStart"`
	CursorEnd   int64  `json:"cursorEnd"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

type LifecycleEvent struct {
	TenantID    string `json:"tenantId"`
	ThreadID    string `json:"threadId"`
	TurnID      string `json:"turnId,omitempty"`
	EventID     string `json:"eventId"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payloadJson"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

type StreamCheckpoint struct {
	TenantID    string `json:"tenantId"`
	ThreadID    string `json:"threadId"`
	DeviceID    string `json:"deviceId"`
	StreamID    string `json:"streamId"`
	UserID      string `json:"userId"`
	AckedCursor int64  `json:"ackedCursor"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}
