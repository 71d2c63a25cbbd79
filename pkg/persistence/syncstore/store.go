// Package syncstore is the persistence contract of the sync engine and its
// in-memory and SQLite backends.
//
// All reads and writes happen inside WithinTx. A transaction either commits
// as a whole or leaves no trace, which is what lets one ingest call be a
// single atomic unit of work.
package syncstore

import (
	"context"

	"github.com/go-go-golems/threadsync/pkg/model"
)

type Store interface {
	// WithinTx runs fn in a transaction. A non-nil error from fn rolls back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx exposes row-level operations. Get methods report found=false instead of
// returning an error for missing rows.
type Tx interface {
	GetThread(ctx context.Context, tenantID, threadID string) (model.Thread, bool, error)
	PutThread(ctx context.Context, t model.Thread) error

	GetSession(ctx context.Context, tenantID, sessionID string) (model.Session, bool, error)
	PutSession(ctx context.Context, s model.Session) error
	// ListStaleSessions returns active sessions of tenantID whose last
	// heartbeat is older than staleBeforeMs. An empty tenantID spans tenants.
	ListStaleSessions(ctx context.Context, tenantID string, staleBeforeMs int64, limit int) ([]model.Session, error)

	GetTurn(ctx context.Context, tenantID, threadID, turnID string) (model.Turn, bool, error)
	PutTurn(ctx context.Context, t model.Turn) error

	GetMessage(ctx context.Context, tenantID, threadID, turnID, messageID string) (model.Message, bool, error)
	PutMessage(ctx context.Context, m model.Message) error
	MaxOrderInTurn(ctx context.Context, tenantID, threadID, turnID string) (int64, bool, error)
	// ListMessages returns a turn's messages by orderInTurn. An empty status
	// matches every status.
	ListMessages(ctx context.Context, tenantID, threadID, turnID string, status model.MessageStatus, limit int) ([]model.Message, error)

	GetApproval(ctx context.Context, tenantID, threadID, turnID, itemID string) (model.Approval, bool, error)
	PutApproval(ctx context.Context, a model.Approval) error

	GetStream(ctx context.Context, tenantID, threadID, streamID string) (model.Stream, bool, error)
	PutStream(ctx context.Context, s model.Stream) error
	ListStreamsByTurn(ctx context.Context, tenantID, threadID, turnID string, limit int) ([]model.Stream, error)
	DeleteStream(ctx context.Context, tenantID, threadID, streamID string) error

	GetStreamStat(ctx context.Context, tenantID, threadID, streamID string) (model.StreamStat, bool, error)
	PutStreamStat(ctx context.Context, s model.StreamStat) error
	ListStreamStats(ctx context.Context, tenantID, threadID string, limit int) ([]model.StreamStat, error)
	DeleteStreamStat(ctx context.Context, tenantID, threadID, streamID string) error

	GetStreamDelta(ctx context.Context, tenantID, threadID, streamID, eventID string) (model.StreamDelta, bool, error)
	InsertStreamDelta(ctx context.Context, d model.StreamDelta) error
	// ListStreamDeltas returns deltas with cursorStart >= fromCursor ordered by cursorStart.
	ListStreamDeltas(ctx context.Context, tenantID, threadID, streamID string, fromCursor int64, limit int) ([]model.StreamDelta, error)
	EarliestStreamDelta(ctx context.Context, tenantID, threadID, streamID string) (model.StreamDelta, bool, error)
	DeleteStreamDeltas(ctx context.Context, tenantID, threadID, streamID string, limit int) (int, error)
	DeleteExpiredStreamDeltas(ctx context.Context, nowMs int64, limit int) (int, error)

	HasLifecycleEvent(ctx context.Context, tenantID, threadID, eventID string) (bool, error)
	InsertLifecycleEvent(ctx context.Context, e model.LifecycleEvent) error
	ListLifecycleEvents(ctx context.Context, tenantID, threadID string, afterMs int64, limit int) ([]model.LifecycleEvent, error)

	GetCheckpoint(ctx context.Context, tenantID, threadID, deviceID, streamID string) (model.StreamCheckpoint, bool, error)
	PutCheckpoint(ctx context.Context, c model.StreamCheckpoint) error
	ListCheckpoints(ctx context.Context, tenantID, threadID, deviceID string) ([]model.StreamCheckpoint, error)

	GetDispatch(ctx context.Context, tenantID, threadID, dispatchID string) (model.TurnDispatch, bool, error)
	GetDispatchByIdempotencyKey(ctx context.Context, tenantID, threadID, key string) (model.TurnDispatch, bool, error)
	// GetDispatchByTurn returns the most recently created dispatch for turnID.
	GetDispatchByTurn(ctx context.Context, tenantID, threadID, turnID string) (model.TurnDispatch, bool, error)
	PutDispatch(ctx context.Context, d model.TurnDispatch) error
	// ListDispatches returns dispatches in the given statuses, oldest first.
	ListDispatches(ctx context.Context, tenantID, threadID string, statuses []model.DispatchStatus, limit int) ([]model.TurnDispatch, error)

	GetServerRequest(ctx context.Context, tenantID, threadID, requestKey string) (model.ServerRequest, bool, error)
	PutServerRequest(ctx context.Context, r model.ServerRequest) error
	// ListServerRequests returns newest first. An empty threadID spans the tenant.
	ListServerRequests(ctx context.Context, tenantID, threadID string, status model.ServerRequestStatus, limit int) ([]model.ServerRequest, error)

	GetDeletionJob(ctx context.Context, tenantID, deletionJobID string) (model.DeletionJob, bool, error)
	PutDeletionJob(ctx context.Context, j model.DeletionJob) error

	// DeleteRows removes up to limit rows of table matching scope.
	DeleteRows(ctx context.Context, table Table, scope Scope, limit int) (int, error)
}

// Table names a cascade-deletable table.
type Table string

const (
	TableStreamDeltas    Table = "stream_deltas"
	TableLifecycleEvents Table = "lifecycle_events"
	TableMessages        Table = "messages"
	TableApprovals       Table = "approvals"
	TableServerRequests  Table = "server_requests"
	TableCheckpoints     Table = "stream_checkpoints"
	TableStreams         Table = "streams"
	TableStreamStats     Table = "stream_stats"
	TableDispatches      Table = "turn_dispatches"
	TableTurns           Table = "turns"
	TableSessions        Table = "sessions"
	TableThreads         Table = "threads"
)

// CascadeOrder is the order in which a deletion job drains tables: children
// before the rows they reference.
var CascadeOrder = []Table{
	TableStreamDeltas,
	TableLifecycleEvents,
	TableMessages,
	TableApprovals,
	TableServerRequests,
	TableCheckpoints,
	TableStreams,
	TableStreamStats,
	TableDispatches,
	TableTurns,
	TableSessions,
	TableThreads,
}

// TurnScoped reports tables whose rows carry a turn id.
func (t Table) TurnScoped() bool {
	switch t {
	case TableStreamDeltas, TableLifecycleEvents, TableMessages, TableApprovals,
		TableServerRequests, TableStreams, TableStreamStats, TableDispatches, TableTurns:
		return true
	default:
		return false
	}
}

// Scope selects rows for cascading deletion. TenantID is required. A set
// OwnerUserID restricts to threads owned by that user; ThreadID and TurnID
// narrow further.
type Scope struct {
	TenantID    string
	OwnerUserID string
	ThreadID    string
	TurnID      string
}

// DefaultListLimit caps unbounded list calls.
const DefaultListLimit = 500

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
