package model

type DeltaType string

const (
	DeltaStream    DeltaType = "stream_delta"
	DeltaLifecycle DeltaType = "lifecycle_event"
)

// Delta is one inbound runtime event. Stream deltas carry a stream id and a
// half-open cursor range; lifecycle events carry neither.
type Delta struct {
	Type        DeltaType `json:"type"`
	EventID     string    `json:"eventId"`
	ThreadID    string    `json:"threadId,omitempty"`
	TurnID      string    `json:"turnId,omitempty"`
	StreamID    string    `json:"streamId,omitempty"`
	Kind        string    `json:"kind"`
	PayloadJSON string    `json:"payloadJson"`
	CursorStart int64     `json:"cursorStart"`
	CursorEnd   int64     `json:"cursorEnd"`
	CreatedAtMs int64     `json:"createdAt"`
}
