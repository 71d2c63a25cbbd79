package syncstore

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/model"
)

// InMemoryStore keeps all state in maps. Transactions are serialized by a
// store-wide mutex and run against a copy that replaces the live state on
// commit.
type InMemoryStore struct {
	mu    sync.Mutex
	state *memState
}

var _ Store = &InMemoryStore{}

type memState struct {
	threads         map[string]model.Thread
	sessions        map[string]model.Session
	turns           map[string]model.Turn
	messages        map[string]model.Message
	approvals       map[string]model.Approval
	streams         map[string]model.Stream
	streamStats     map[string]model.StreamStat
	streamDeltas    map[string]model.StreamDelta
	lifecycleEvents map[string]model.LifecycleEvent
	checkpoints     map[string]model.StreamCheckpoint
	dispatches      map[string]model.TurnDispatch
	serverRequests  map[string]model.ServerRequest
	deletionJobs    map[string]model.DeletionJob
}

func newMemState() *memState {
	return &memState{
		threads:         map[string]model.Thread{},
		sessions:        map[string]model.Session{},
		turns:           map[string]model.Turn{},
		messages:        map[string]model.Message{},
		approvals:       map[string]model.Approval{},
		streams:         map[string]model.Stream{},
		streamStats:     map[string]model.StreamStat{},
		streamDeltas:    map[string]model.StreamDelta{},
		lifecycleEvents: map[string]model.LifecycleEvent{},
		checkpoints:     map[string]model.StreamCheckpoint{},
		dispatches:      map[string]model.TurnDispatch{},
		serverRequests:  map[string]model.ServerRequest{},
		deletionJobs:    map[string]model.DeletionJob{},
	}
}

func (s *memState) clone() *memState {
	jobs := make(map[string]model.DeletionJob, len(s.deletionJobs))
	for k, j := range s.deletionJobs {
		j.DeletedCountsByTable = maps.Clone(j.DeletedCountsByTable)
		jobs[k] = j
	}
	return &memState{
		threads:         maps.Clone(s.threads),
		sessions:        maps.Clone(s.sessions),
		turns:           maps.Clone(s.turns),
		messages:        maps.Clone(s.messages),
		approvals:       maps.Clone(s.approvals),
		streams:         maps.Clone(s.streams),
		streamStats:     maps.Clone(s.streamStats),
		streamDeltas:    maps.Clone(s.streamDeltas),
		lifecycleEvents: maps.Clone(s.lifecycleEvents),
		checkpoints:     maps.Clone(s.checkpoints),
		dispatches:      maps.Clone(s.dispatches),
		serverRequests:  maps.Clone(s.serverRequests),
		deletionJobs:    jobs,
	}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: newMemState()}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if s == nil {
		return errors.New("in-memory sync store: nil store")
	}
	if fn == nil {
		return errors.New("in-memory sync store: nil tx func")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&memTx{st: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func k(parts ...string) string { return strings.Join(parts, "\x00") }

type memTx struct {
	st *memState
}

func (t *memTx) GetThread(_ context.Context, tenantID, threadID string) (model.Thread, bool, error) {
	v, ok := t.st.threads[k(tenantID, threadID)]
	return v, ok, nil
}

func (t *memTx) PutThread(_ context.Context, v model.Thread) error {
	t.st.threads[k(v.TenantID, v.ThreadID)] = v
	return nil
}

func (t *memTx) GetSession(_ context.Context, tenantID, sessionID string) (model.Session, bool, error) {
	v, ok := t.st.sessions[k(tenantID, sessionID)]
	return v, ok, nil
}

func (t *memTx) PutSession(_ context.Context, v model.Session) error {
	t.st.sessions[k(v.TenantID, v.SessionID)] = v
	return nil
}

func (t *memTx) ListStaleSessions(_ context.Context, tenantID string, staleBeforeMs int64, limit int) ([]model.Session, error) {
	out := []model.Session{}
	for _, v := range t.st.sessions {
		if tenantID != "" && v.TenantID != tenantID {
			continue
		}
		if v.Status == model.SessionActive && v.LastHeartbeatAtMs < staleBeforeMs {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastHeartbeatAtMs == out[j].LastHeartbeatAtMs {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].LastHeartbeatAtMs < out[j].LastHeartbeatAtMs
	})
	return truncate(out, limit), nil
}

func (t *memTx) GetTurn(_ context.Context, tenantID, threadID, turnID string) (model.Turn, bool, error) {
	v, ok := t.st.turns[k(tenantID, threadID, turnID)]
	return v, ok, nil
}

func (t *memTx) PutTurn(_ context.Context, v model.Turn) error {
	t.st.turns[k(v.TenantID, v.ThreadID, v.TurnID)] = v
	return nil
}

func (t *memTx) GetMessage(_ context.Context, tenantID, threadID, turnID, messageID string) (model.Message, bool, error) {
	v, ok := t.st.messages[k(tenantID, threadID, turnID, messageID)]
	return v, ok, nil
}

func (t *memTx) PutMessage(_ context.Context, v model.Message) error {
	t.st.messages[k(v.TenantID, v.ThreadID, v.TurnID, v.MessageID)] = v
	return nil
}

func (t *memTx) MaxOrderInTurn(_ context.Context, tenantID, threadID, turnID string) (int64, bool, error) {
	var (
		maxOrder int64
		found    bool
	)
	for _, v := range t.st.messages {
		if v.TenantID != tenantID || v.ThreadID != threadID || v.TurnID != turnID {
			continue
		}
		if !found || v.OrderInTurn > maxOrder {
			maxOrder = v.OrderInTurn
			found = true
		}
	}
	return maxOrder, found, nil
}

func (t *memTx) ListMessages(_ context.Context, tenantID, threadID, turnID string, status model.MessageStatus, limit int) ([]model.Message, error) {
	out := []model.Message{}
	for _, v := range t.st.messages {
		if v.TenantID != tenantID || v.ThreadID != threadID || v.TurnID != turnID {
			continue
		}
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderInTurn < out[j].OrderInTurn })
	return truncate(out, limit), nil
}

func (t *memTx) GetApproval(_ context.Context, tenantID, threadID, turnID, itemID string) (model.Approval, bool, error) {
	v, ok := t.st.approvals[k(tenantID, threadID, turnID, itemID)]
	return v, ok, nil
}

func (t *memTx) PutApproval(_ context.Context, v model.Approval) error {
	t.st.approvals[k(v.TenantID, v.ThreadID, v.TurnID, v.ItemID)] = v
	return nil
}

func (t *memTx) GetStream(_ context.Context, tenantID, threadID, streamID string) (model.Stream, bool, error) {
	v, ok := t.st.streams[k(tenantID, threadID, streamID)]
	return v, ok, nil
}

func (t *memTx) PutStream(_ context.Context, v model.Stream) error {
	t.st.streams[k(v.TenantID, v.ThreadID, v.StreamID)] = v
	return nil
}

func (t *memTx) ListStreamsByTurn(_ context.Context, tenantID, threadID, turnID string, limit int) ([]model.Stream, error) {
	out := []model.Stream{}
	for _, v := range t.st.streams {
		if v.TenantID == tenantID && v.ThreadID == threadID && v.TurnID == turnID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return truncate(out, limit), nil
}

func (t *memTx) DeleteStream(_ context.Context, tenantID, threadID, streamID string) error {
	delete(t.st.streams, k(tenantID, threadID, streamID))
	return nil
}

func (t *memTx) GetStreamStat(_ context.Context, tenantID, threadID, streamID string) (model.StreamStat, bool, error) {
	v, ok := t.st.streamStats[k(tenantID, threadID, streamID)]
	return v, ok, nil
}

func (t *memTx) PutStreamStat(_ context.Context, v model.StreamStat) error {
	t.st.streamStats[k(v.TenantID, v.ThreadID, v.StreamID)] = v
	return nil
}

func (t *memTx) ListStreamStats(_ context.Context, tenantID, threadID string, limit int) ([]model.StreamStat, error) {
	out := []model.StreamStat{}
	for _, v := range t.st.streamStats {
		if v.TenantID == tenantID && v.ThreadID == threadID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return truncate(out, limit), nil
}

func (t *memTx) DeleteStreamStat(_ context.Context, tenantID, threadID, streamID string) error {
	delete(t.st.streamStats, k(tenantID, threadID, streamID))
	return nil
}

func (t *memTx) GetStreamDelta(_ context.Context, tenantID, threadID, streamID, eventID string) (model.StreamDelta, bool, error) {
	v, ok := t.st.streamDeltas[k(tenantID, threadID, streamID, eventID)]
	return v, ok, nil
}

func (t *memTx) InsertStreamDelta(_ context.Context, v model.StreamDelta) error {
	key := k(v.TenantID, v.ThreadID, v.StreamID, v.EventID)
	if _, ok := t.st.streamDeltas[key]; ok {
		return errors.Errorf("in-memory sync store: stream delta %s already exists", v.EventID)
	}
	t.st.streamDeltas[key] = v
	return nil
}

func (t *memTx) streamDeltasSorted(tenantID, threadID, streamID string) []model.StreamDelta {
	out := []model.StreamDelta{}
	for _, v := range t.st.streamDeltas {
		if v.TenantID == tenantID && v.ThreadID == threadID && v.StreamID == streamID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CursorStart == out[j].CursorStart {
			return out[i].EventID < out[j].EventID
		}
		return out[i].CursorStart < out[j].CursorStart
	})
	return out
}

func (t *memTx) ListStreamDeltas(_ context.Context, tenantID, threadID, streamID string, fromCursor int64, limit int) ([]model.StreamDelta, error) {
	all := t.streamDeltasSorted(tenantID, threadID, streamID)
	out := []model.StreamDelta{}
	for _, v := range all {
		if v.CursorStart >= fromCursor {
			out = append(out, v)
		}
	}
	return truncate(out, limit), nil
}

func (t *memTx) EarliestStreamDelta(_ context.Context, tenantID, threadID, streamID string) (model.StreamDelta, bool, error) {
	all := t.streamDeltasSorted(tenantID, threadID, streamID)
	if len(all) == 0 {
		return model.StreamDelta{}, false, nil
	}
	return all[0], true, nil
}

func (t *memTx) DeleteStreamDeltas(_ context.Context, tenantID, threadID, streamID string, limit int) (int, error) {
	victims := truncate(t.streamDeltasSorted(tenantID, threadID, streamID), limit)
	for _, v := range victims {
		delete(t.st.streamDeltas, k(v.TenantID, v.ThreadID, v.StreamID, v.EventID))
	}
	return len(victims), nil
}

func (t *memTx) DeleteExpiredStreamDeltas(_ context.Context, nowMs int64, limit int) (int, error) {
	keys := []string{}
	for key, v := range t.st.streamDeltas {
		if v.ExpiresAtMs <= nowMs {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	keys = truncate(keys, limit)
	for _, key := range keys {
		delete(t.st.streamDeltas, key)
	}
	return len(keys), nil
}

func (t *memTx) HasLifecycleEvent(_ context.Context, tenantID, threadID, eventID string) (bool, error) {
	_, ok := t.st.lifecycleEvents[k(tenantID, threadID, eventID)]
	return ok, nil
}

func (t *memTx) InsertLifecycleEvent(_ context.Context, v model.LifecycleEvent) error {
	key := k(v.TenantID, v.ThreadID, v.EventID)
	if _, ok := t.st.lifecycleEvents[key]; ok {
		return errors.Errorf("in-memory sync store: lifecycle event %s already exists", v.EventID)
	}
	t.st.lifecycleEvents[key] = v
	return nil
}

func (t *memTx) ListLifecycleEvents(_ context.Context, tenantID, threadID string, afterMs int64, limit int) ([]model.LifecycleEvent, error) {
	out := []model.LifecycleEvent{}
	for _, v := range t.st.lifecycleEvents {
		if v.TenantID == tenantID && v.ThreadID == threadID && v.CreatedAtMs > afterMs {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].EventID < out[j].EventID
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	return truncate(out, limit), nil
}

func (t *memTx) GetCheckpoint(_ context.Context, tenantID, threadID, deviceID, streamID string) (model.StreamCheckpoint, bool, error) {
	v, ok := t.st.checkpoints[k(tenantID, threadID, deviceID, streamID)]
	return v, ok, nil
}

func (t *memTx) PutCheckpoint(_ context.Context, v model.StreamCheckpoint) error {
	t.st.checkpoints[k(v.TenantID, v.ThreadID, v.DeviceID, v.StreamID)] = v
	return nil
}

func (t *memTx) ListCheckpoints(_ context.Context, tenantID, threadID, deviceID string) ([]model.StreamCheckpoint, error) {
	out := []model.StreamCheckpoint{}
	for _, v := range t.st.checkpoints {
		if v.TenantID == tenantID && v.ThreadID == threadID && v.DeviceID == deviceID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

func (t *memTx) GetDispatch(_ context.Context, tenantID, threadID, dispatchID string) (model.TurnDispatch, bool, error) {
	v, ok := t.st.dispatches[k(tenantID, threadID, dispatchID)]
	return v, ok, nil
}

func (t *memTx) GetDispatchByIdempotencyKey(_ context.Context, tenantID, threadID, key string) (model.TurnDispatch, bool, error) {
	for _, v := range t.st.dispatches {
		if v.TenantID == tenantID && v.ThreadID == threadID && v.IdempotencyKey == key {
			return v, true, nil
		}
	}
	return model.TurnDispatch{}, false, nil
}

func (t *memTx) GetDispatchByTurn(_ context.Context, tenantID, threadID, turnID string) (model.TurnDispatch, bool, error) {
	var (
		best  model.TurnDispatch
		found bool
	)
	for _, v := range t.st.dispatches {
		if v.TenantID != tenantID || v.ThreadID != threadID || v.TurnID != turnID {
			continue
		}
		if !found || v.CreatedAtMs > best.CreatedAtMs || (v.CreatedAtMs == best.CreatedAtMs && v.DispatchID > best.DispatchID) {
			best = v
			found = true
		}
	}
	return best, found, nil
}

func (t *memTx) PutDispatch(_ context.Context, v model.TurnDispatch) error {
	t.st.dispatches[k(v.TenantID, v.ThreadID, v.DispatchID)] = v
	return nil
}

func (t *memTx) ListDispatches(_ context.Context, tenantID, threadID string, statuses []model.DispatchStatus, limit int) ([]model.TurnDispatch, error) {
	want := map[model.DispatchStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	out := []model.TurnDispatch{}
	for _, v := range t.st.dispatches {
		if v.TenantID != tenantID || v.ThreadID != threadID {
			continue
		}
		if len(want) > 0 && !want[v.Status] {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].DispatchID < out[j].DispatchID
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	return truncate(out, limit), nil
}

func (t *memTx) GetServerRequest(_ context.Context, tenantID, threadID, requestKey string) (model.ServerRequest, bool, error) {
	v, ok := t.st.serverRequests[k(tenantID, threadID, requestKey)]
	return v, ok, nil
}

func (t *memTx) PutServerRequest(_ context.Context, v model.ServerRequest) error {
	t.st.serverRequests[k(v.TenantID, v.ThreadID, v.RequestID.Key())] = v
	return nil
}

func (t *memTx) ListServerRequests(_ context.Context, tenantID, threadID string, status model.ServerRequestStatus, limit int) ([]model.ServerRequest, error) {
	out := []model.ServerRequest{}
	for _, v := range t.st.serverRequests {
		if v.TenantID != tenantID || (threadID != "" && v.ThreadID != threadID) {
			continue
		}
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].RequestID.Key() > out[j].RequestID.Key()
		}
		return out[i].CreatedAtMs > out[j].CreatedAtMs
	})
	return truncate(out, limit), nil
}

func (t *memTx) GetDeletionJob(_ context.Context, tenantID, deletionJobID string) (model.DeletionJob, bool, error) {
	v, ok := t.st.deletionJobs[k(tenantID, deletionJobID)]
	if ok {
		v.DeletedCountsByTable = maps.Clone(v.DeletedCountsByTable)
	}
	return v, ok, nil
}

func (t *memTx) PutDeletionJob(_ context.Context, v model.DeletionJob) error {
	v.DeletedCountsByTable = maps.Clone(v.DeletedCountsByTable)
	t.st.deletionJobs[k(v.TenantID, v.DeletionJobID)] = v
	return nil
}

func (t *memTx) ownedThreads(scope Scope) map[string]bool {
	if scope.OwnerUserID == "" {
		return nil
	}
	owned := map[string]bool{}
	for _, th := range t.st.threads {
		if th.TenantID == scope.TenantID && th.UserID == scope.OwnerUserID {
			owned[th.ThreadID] = true
		}
	}
	return owned
}

func (t *memTx) DeleteRows(_ context.Context, table Table, scope Scope, limit int) (int, error) {
	if strings.TrimSpace(scope.TenantID) == "" {
		return 0, errors.New("in-memory sync store: delete rows requires tenant")
	}
	if scope.TurnID != "" && !table.TurnScoped() {
		return 0, nil
	}
	owned := t.ownedThreads(scope)
	match := func(tenantID, threadID, turnID string) bool {
		if tenantID != scope.TenantID {
			return false
		}
		if owned != nil && !owned[threadID] {
			return false
		}
		if scope.ThreadID != "" && threadID != scope.ThreadID {
			return false
		}
		return scope.TurnID == "" || turnID == scope.TurnID
	}
	switch table {
	case TableStreamDeltas:
		return deleteMatching(t.st.streamDeltas, limit, func(v model.StreamDelta) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableLifecycleEvents:
		return deleteMatching(t.st.lifecycleEvents, limit, func(v model.LifecycleEvent) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableMessages:
		return deleteMatching(t.st.messages, limit, func(v model.Message) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableApprovals:
		return deleteMatching(t.st.approvals, limit, func(v model.Approval) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableServerRequests:
		return deleteMatching(t.st.serverRequests, limit, func(v model.ServerRequest) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableCheckpoints:
		return deleteMatching(t.st.checkpoints, limit, func(v model.StreamCheckpoint) bool { return match(v.TenantID, v.ThreadID, "") }), nil
	case TableStreams:
		return deleteMatching(t.st.streams, limit, func(v model.Stream) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableStreamStats:
		return deleteMatching(t.st.streamStats, limit, func(v model.StreamStat) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableDispatches:
		return deleteMatching(t.st.dispatches, limit, func(v model.TurnDispatch) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableTurns:
		return deleteMatching(t.st.turns, limit, func(v model.Turn) bool { return match(v.TenantID, v.ThreadID, v.TurnID) }), nil
	case TableSessions:
		return deleteMatching(t.st.sessions, limit, func(v model.Session) bool { return match(v.TenantID, v.ThreadID, "") }), nil
	case TableThreads:
		return deleteMatching(t.st.threads, limit, func(v model.Thread) bool { return match(v.TenantID, v.ThreadID, "") }), nil
	default:
		return 0, errors.Errorf("in-memory sync store: unknown table %q", table)
	}
}

func deleteMatching[V any](m map[string]V, limit int, pred func(V) bool) int {
	keys := make([]string, 0)
	for key, v := range m {
		if pred(v) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	keys = truncate(keys, limit)
	for _, key := range keys {
		delete(m, key)
	}
	return len(keys)
}

func truncate[T any](items []T, limit int) []T {
	limit = normalizeLimit(limit)
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
