package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/go-go-golems/threadsync/pkg/model"
)

const (
	// DriverMattn is the cgo driver registered by github.com/mattn/go-sqlite3.
	DriverMattn = "sqlite3"
	// DriverModernc is the pure-Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
)

type SQLiteStore struct {
	db     *sql.DB
	driver string
}

var _ Store = &SQLiteStore{}

type SQLiteOption func(*SQLiteStore)

func WithDriver(driver string) SQLiteOption {
	return func(s *SQLiteStore) {
		if d := strings.TrimSpace(driver); d != "" {
			s.driver = d
		}
	}
}

// SQLiteDSNForFile builds a DSN for path suitable for driver.
func SQLiteDSNForFile(path string, driver string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite sync store: empty path")
	}
	switch driver {
	case "", DriverMattn:
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path), nil
	default:
		return "", errors.Errorf("sqlite sync store: unknown driver %q", driver)
	}
}

func NewSQLiteStore(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite sync store: empty dsn")
	}
	s := &SQLiteStore{driver: DriverMattn}
	for _, opt := range opts {
		opt(s)
	}
	if s.driver != DriverMattn && s.driver != DriverModernc {
		return nil, errors.Errorf("sqlite sync store: unknown driver %q", s.driver)
	}
	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite sync store: open")
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite sync store: db is nil")
	}

	createTableStmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id)
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			tenant_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			last_heartbeat_at_ms INTEGER NOT NULL,
			last_event_cursor INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			input_summary TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, thread_id, turn_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			source_item_type TEXT NOT NULL DEFAULT '',
			order_in_turn INTEGER NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, thread_id, turn_id, message_id)
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id, turn_id, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS streams (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			state TEXT NOT NULL,
			abort_reason TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL DEFAULT 0,
			cleanup_job_id TEXT NOT NULL DEFAULT '',
			cleanup_scheduled_for_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, thread_id, stream_id)
		);`,
		`CREATE TABLE IF NOT EXISTS stream_stats (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			state TEXT NOT NULL,
			delta_count INTEGER NOT NULL DEFAULT 0,
			latest_cursor INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id, stream_id)
		);`,
		`CREATE TABLE IF NOT EXISTS stream_deltas (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			cursor_start INTEGER NOT NULL,
			cursor_end INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id, stream_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS stream_checkpoints (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			acked_cursor INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, thread_id, device_id, stream_id)
		);`,
		`CREATE TABLE IF NOT EXISTS turn_dispatches (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			dispatch_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			input_text TEXT NOT NULL DEFAULT '',
			input_fingerprint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			claim_owner TEXT NOT NULL DEFAULT '',
			claim_token TEXT NOT NULL DEFAULT '',
			lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			runtime_thread_id TEXT NOT NULL DEFAULT '',
			runtime_turn_id TEXT NOT NULL DEFAULT '',
			failure_code TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			started_at_ms INTEGER NOT NULL DEFAULT 0,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			cancelled_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, thread_id, dispatch_id)
		);`,
		`CREATE TABLE IF NOT EXISTS server_requests (
			tenant_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			request_key TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			item_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			method TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			questions_json TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			response_json TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			resolved_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, thread_id, request_key)
		);`,
		`CREATE TABLE IF NOT EXISTS deletion_jobs (
			tenant_id TEXT NOT NULL,
			deletion_job_id TEXT NOT NULL,
			user_scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL DEFAULT '',
			deleted_counts_json TEXT NOT NULL DEFAULT '{}',
			scheduled_for_ms INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			started_at_ms INTEGER NOT NULL DEFAULT 0,
			completed_at_ms INTEGER NOT NULL DEFAULT 0,
			cancelled_at_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, deletion_job_id)
		);`,
	}
	for _, st := range createTableStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite sync store: migrate")
		}
	}

	createIndexStmts := []string{
		`CREATE INDEX IF NOT EXISTS threads_by_user ON threads(tenant_id, user_id);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_heartbeat ON sessions(status, last_heartbeat_at_ms);`,
		`CREATE INDEX IF NOT EXISTS messages_by_order ON messages(tenant_id, thread_id, turn_id, order_in_turn);`,
		`CREATE INDEX IF NOT EXISTS streams_by_turn ON streams(tenant_id, thread_id, turn_id);`,
		`CREATE INDEX IF NOT EXISTS stream_deltas_by_cursor ON stream_deltas(tenant_id, thread_id, stream_id, cursor_start);`,
		`CREATE INDEX IF NOT EXISTS stream_deltas_by_expiry ON stream_deltas(expires_at_ms);`,
		`CREATE INDEX IF NOT EXISTS lifecycle_events_by_time ON lifecycle_events(tenant_id, thread_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS turn_dispatches_by_key ON turn_dispatches(tenant_id, thread_id, idempotency_key);`,
		`CREATE INDEX IF NOT EXISTS turn_dispatches_by_status ON turn_dispatches(tenant_id, thread_id, status, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS turn_dispatches_by_turn ON turn_dispatches(tenant_id, thread_id, turn_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS server_requests_by_status ON server_requests(tenant_id, status, created_at_ms DESC);`,
	}
	for _, st := range createIndexStmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite sync store: migrate")
		}
	}
	return nil
}

// tableColumns lists the columns of table, lower-cased.
func (s *SQLiteStore) tableColumns(table Table) (map[string]bool, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite sync store: db is nil")
	}
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, string(table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite sync store: db is nil")
	}
	if fn == nil {
		return errors.New("sqlite sync store: nil tx func")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite sync store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite sync store: commit tx")
	}
	committed = true
	return nil
}

type sqlTx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

// getOne runs a single-row query and reports found=false on sql.ErrNoRows.
func getOne[T any](ctx context.Context, tx *sql.Tx, scan func(scanner) (T, error), query string, args ...any) (T, bool, error) {
	v, err := scan(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, errors.Wrap(err, "sqlite sync store: query row")
	}
	return v, true, nil
}

func getMany[T any](ctx context.Context, tx *sql.Tx, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite sync store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite sync store: scan")
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite sync store: rows")
	}
	return out, nil
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "sqlite sync store: exec")
	}
	return nil
}

func (t *sqlTx) execCount(ctx context.Context, query string, args ...any) (int, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite sync store: exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite sync store: rows affected")
	}
	return int(n), nil
}

// threads

const threadColumns = `tenant_id, thread_id, user_id, status, created_at_ms, updated_at_ms`

func scanThread(r scanner) (model.Thread, error) {
	var v model.Thread
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.UserID, &v.Status, &v.CreatedAtMs, &v.UpdatedAtMs)
	return v, err
}

func (t *sqlTx) GetThread(ctx context.Context, tenantID, threadID string) (model.Thread, bool, error) {
	return getOne(ctx, t.tx, scanThread,
		`SELECT `+threadColumns+` FROM threads WHERE tenant_id = ? AND thread_id = ?`, tenantID, threadID)
}

func (t *sqlTx) PutThread(ctx context.Context, v model.Thread) error {
	return t.exec(ctx, `
		INSERT INTO threads(`+threadColumns+`) VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			updated_at_ms = excluded.updated_at_ms
	`, v.TenantID, v.ThreadID, v.UserID, v.Status, v.CreatedAtMs, v.UpdatedAtMs)
}

// sessions

const sessionColumns = `tenant_id, session_id, thread_id, device_id, user_id, status, started_at_ms, last_heartbeat_at_ms, last_event_cursor`

func scanSession(r scanner) (model.Session, error) {
	var v model.Session
	err := r.Scan(&v.TenantID, &v.SessionID, &v.ThreadID, &v.DeviceID, &v.UserID, &v.Status,
		&v.StartedAtMs, &v.LastHeartbeatAtMs, &v.LastEventCursor)
	return v, err
}

func (t *sqlTx) GetSession(ctx context.Context, tenantID, sessionID string) (model.Session, bool, error) {
	return getOne(ctx, t.tx, scanSession,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND session_id = ?`, tenantID, sessionID)
}

func (t *sqlTx) PutSession(ctx context.Context, v model.Session) error {
	return t.exec(ctx, `
		INSERT INTO sessions(`+sessionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			device_id = excluded.device_id,
			user_id = excluded.user_id,
			status = excluded.status,
			last_heartbeat_at_ms = excluded.last_heartbeat_at_ms,
			last_event_cursor = excluded.last_event_cursor
	`, v.TenantID, v.SessionID, v.ThreadID, v.DeviceID, v.UserID, v.Status,
		v.StartedAtMs, v.LastHeartbeatAtMs, v.LastEventCursor)
}

func (t *sqlTx) ListStaleSessions(ctx context.Context, tenantID string, staleBeforeMs int64, limit int) ([]model.Session, error) {
	return getMany(ctx, t.tx, scanSession, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND last_heartbeat_at_ms < ? AND (? = '' OR tenant_id = ?)
		ORDER BY last_heartbeat_at_ms ASC, session_id ASC
		LIMIT ?
	`, model.SessionActive, staleBeforeMs, tenantID, tenantID, normalizeLimit(limit))
}

// turns

const turnColumns = `tenant_id, thread_id, turn_id, user_id, status, idempotency_key, input_summary, started_at_ms, completed_at_ms, error_message`

func scanTurn(r scanner) (model.Turn, error) {
	var v model.Turn
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.TurnID, &v.UserID, &v.Status, &v.IdempotencyKey,
		&v.InputSummary, &v.StartedAtMs, &v.CompletedAtMs, &v.ErrorMessage)
	return v, err
}

func (t *sqlTx) GetTurn(ctx context.Context, tenantID, threadID, turnID string) (model.Turn, bool, error) {
	return getOne(ctx, t.tx, scanTurn,
		`SELECT `+turnColumns+` FROM turns WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?`,
		tenantID, threadID, turnID)
}

func (t *sqlTx) PutTurn(ctx context.Context, v model.Turn) error {
	return t.exec(ctx, `
		INSERT INTO turns(`+turnColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, turn_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			idempotency_key = excluded.idempotency_key,
			input_summary = excluded.input_summary,
			completed_at_ms = excluded.completed_at_ms,
			error_message = excluded.error_message
	`, v.TenantID, v.ThreadID, v.TurnID, v.UserID, v.Status, v.IdempotencyKey,
		v.InputSummary, v.StartedAtMs, v.CompletedAtMs, v.ErrorMessage)
}

// messages

const messageColumns = `tenant_id, thread_id, turn_id, message_id, user_id, role, status, text, source_item_type, order_in_turn, payload_json, error, created_at_ms, updated_at_ms, completed_at_ms`

func scanMessage(r scanner) (model.Message, error) {
	var v model.Message
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.TurnID, &v.MessageID, &v.UserID, &v.Role, &v.Status,
		&v.Text, &v.SourceItemType, &v.OrderInTurn, &v.PayloadJSON, &v.Error,
		&v.CreatedAtMs, &v.UpdatedAtMs, &v.CompletedAtMs)
	return v, err
}

func (t *sqlTx) GetMessage(ctx context.Context, tenantID, threadID, turnID, messageID string) (model.Message, bool, error) {
	return getOne(ctx, t.tx, scanMessage, `
		SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND message_id = ?
	`, tenantID, threadID, turnID, messageID)
}

func (t *sqlTx) PutMessage(ctx context.Context, v model.Message) error {
	return t.exec(ctx, `
		INSERT INTO messages(`+messageColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, turn_id, message_id) DO UPDATE SET
			user_id = excluded.user_id,
			role = excluded.role,
			status = excluded.status,
			text = excluded.text,
			source_item_type = excluded.source_item_type,
			order_in_turn = excluded.order_in_turn,
			payload_json = excluded.payload_json,
			error = excluded.error,
			updated_at_ms = excluded.updated_at_ms,
			completed_at_ms = excluded.completed_at_ms
	`, v.TenantID, v.ThreadID, v.TurnID, v.MessageID, v.UserID, v.Role, v.Status,
		v.Text, v.SourceItemType, v.OrderInTurn, v.PayloadJSON, v.Error,
		v.CreatedAtMs, v.UpdatedAtMs, v.CompletedAtMs)
}

func (t *sqlTx) MaxOrderInTurn(ctx context.Context, tenantID, threadID, turnID string) (int64, bool, error) {
	var maxOrder sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MAX(order_in_turn) FROM messages
		WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?
	`, tenantID, threadID, turnID).Scan(&maxOrder)
	if err != nil {
		return 0, false, errors.Wrap(err, "sqlite sync store: max order in turn")
	}
	return maxOrder.Int64, maxOrder.Valid, nil
}

func (t *sqlTx) ListMessages(ctx context.Context, tenantID, threadID, turnID string, status model.MessageStatus, limit int) ([]model.Message, error) {
	return getMany(ctx, t.tx, scanMessage, `
		SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND (? = '' OR status = ?)
		ORDER BY order_in_turn ASC
		LIMIT ?
	`, tenantID, threadID, turnID, status, status, normalizeLimit(limit))
}

// approvals

const approvalColumns = `tenant_id, thread_id, turn_id, item_id, user_id, kind, status, reason, decided_by, decided_at_ms, created_at_ms`

func scanApproval(r scanner) (model.Approval, error) {
	var v model.Approval
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.TurnID, &v.ItemID, &v.UserID, &v.Kind, &v.Status,
		&v.Reason, &v.DecidedBy, &v.DecidedAtMs, &v.CreatedAtMs)
	return v, err
}

func (t *sqlTx) GetApproval(ctx context.Context, tenantID, threadID, turnID, itemID string) (model.Approval, bool, error) {
	return getOne(ctx, t.tx, scanApproval, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND item_id = ?
	`, tenantID, threadID, turnID, itemID)
}

func (t *sqlTx) PutApproval(ctx context.Context, v model.Approval) error {
	return t.exec(ctx, `
		INSERT INTO approvals(`+approvalColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, turn_id, item_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			decided_by = excluded.decided_by,
			decided_at_ms = excluded.decided_at_ms
	`, v.TenantID, v.ThreadID, v.TurnID, v.ItemID, v.UserID, v.Kind, v.Status,
		v.Reason, v.DecidedBy, v.DecidedAtMs, v.CreatedAtMs)
}

// streams

const streamColumns = `tenant_id, thread_id, stream_id, turn_id, state, abort_reason, started_at_ms, ended_at_ms, cleanup_job_id, cleanup_scheduled_for_ms`

func scanStream(r scanner) (model.Stream, error) {
	var v model.Stream
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.StreamID, &v.TurnID, &v.State, &v.AbortReason,
		&v.StartedAtMs, &v.EndedAtMs, &v.CleanupJobID, &v.CleanupScheduledForMs)
	return v, err
}

func (t *sqlTx) GetStream(ctx context.Context, tenantID, threadID, streamID string) (model.Stream, bool, error) {
	return getOne(ctx, t.tx, scanStream,
		`SELECT `+streamColumns+` FROM streams WHERE tenant_id = ? AND thread_id = ? AND stream_id = ?`,
		tenantID, threadID, streamID)
}

func (t *sqlTx) PutStream(ctx context.Context, v model.Stream) error {
	return t.exec(ctx, `
		INSERT INTO streams(`+streamColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, stream_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			state = excluded.state,
			abort_reason = excluded.abort_reason,
			ended_at_ms = excluded.ended_at_ms,
			cleanup_job_id = excluded.cleanup_job_id,
			cleanup_scheduled_for_ms = excluded.cleanup_scheduled_for_ms
	`, v.TenantID, v.ThreadID, v.StreamID, v.TurnID, v.State, v.AbortReason,
		v.StartedAtMs, v.EndedAtMs, v.CleanupJobID, v.CleanupScheduledForMs)
}

func (t *sqlTx) ListStreamsByTurn(ctx context.Context, tenantID, threadID, turnID string, limit int) ([]model.Stream, error) {
	return getMany(ctx, t.tx, scanStream, `
		SELECT `+streamColumns+` FROM streams
		WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?
		ORDER BY stream_id ASC
		LIMIT ?
	`, tenantID, threadID, turnID, normalizeLimit(limit))
}

func (t *sqlTx) DeleteStream(ctx context.Context, tenantID, threadID, streamID string) error {
	return t.exec(ctx, `DELETE FROM streams WHERE tenant_id = ? AND thread_id = ? AND stream_id = ?`,
		tenantID, threadID, streamID)
}

// stream stats

const streamStatColumns = `tenant_id, thread_id, stream_id, turn_id, state, delta_count, latest_cursor, updated_at_ms`

func scanStreamStat(r scanner) (model.StreamStat, error) {
	var v model.StreamStat
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.StreamID, &v.TurnID, &v.State,
		&v.DeltaCount, &v.LatestCursor, &v.UpdatedAtMs)
	return v, err
}

func (t *sqlTx) GetStreamStat(ctx context.Context, tenantID, threadID, streamID string) (model.StreamStat, bool, error) {
	return getOne(ctx, t.tx, scanStreamStat,
		`SELECT `+streamStatColumns+` FROM stream_stats WHERE tenant_id = ? AND thread_id = ? AND stream_id = ?`,
		tenantID, threadID, streamID)
}

func (t *sqlTx) PutStreamStat(ctx context.Context, v model.StreamStat) error {
	return t.exec(ctx, `
		INSERT INTO stream_stats(`+streamStatColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, stream_id) DO UPDATE SET
			turn_id = excluded.turn_id,
			state = excluded.state,
			delta_count = excluded.delta_count,
			latest_cursor = excluded.latest_cursor,
			updated_at_ms = excluded.updated_at_ms
	`, v.TenantID, v.ThreadID, v.StreamID, v.TurnID, v.State, v.DeltaCount, v.LatestCursor, v.UpdatedAtMs)
}

func (t *sqlTx) ListStreamStats(ctx context.Context, tenantID, threadID string, limit int) ([]model.StreamStat, error) {
	return getMany(ctx, t.tx, scanStreamStat, `
		SELECT `+streamStatColumns+` FROM stream_stats
		WHERE tenant_id = ? AND thread_id = ?
		ORDER BY stream_id ASC
		LIMIT ?
	`, tenantID, threadID, normalizeLimit(limit))
}

func (t *sqlTx) DeleteStreamStat(ctx context.Context, tenantID, threadID, streamID string) error {
	return t.exec(ctx, `DELETE FROM stream_stats WHERE tenant_id = ? AND thread_id = ? AND stream_id = ?`,
		tenantID, threadID, streamID)
}

// stream deltas

const streamDeltaColumns = `tenant_id, thread_id, turn_id, stream_id, event_id, kind, payload_json, cursor_start, cursor_end, created_at_ms, expires_at_ms`

func scanStreamDelta(r scanner) (model.StreamDelta, error) {
	var v model.StreamDelta
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.TurnID, &v.StreamID, &v.EventID, &v.Kind, &v.PayloadJSON,
		&v.CursorStart, &v.CursorEnd, &v.CreatedAtMs, &v.ExpiresAtMs)
	return v, err
}

func (t *sqlTx) GetStreamDelta(ctx context.Context, tenantID, threadID, streamID, eventID string) (model.StreamDelta, bool, error) {
	return getOne(ctx, t.tx, scanStreamDelta, `
		SELECT `+streamDeltaColumns+` FROM stream_deltas
		WHERE tenant_id = ? AND thread_id = ? AND stream_id = ? AND event_id = ?
	`, tenantID, threadID, streamID, eventID)
}

func (t *sqlTx) InsertStreamDelta(ctx context.Context, v model.StreamDelta) error {
	return t.exec(ctx, `INSERT INTO stream_deltas(`+streamDeltaColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.TenantID, v.ThreadID, v.TurnID, v.StreamID, v.EventID, v.Kind, v.PayloadJSON,
		v.CursorStart, v.CursorEnd, v.CreatedAtMs, v.ExpiresAtMs)
}

func (t *sqlTx) ListStreamDeltas(ctx context.Context, tenantID, threadID, streamID string, fromCursor int64, limit int) ([]model.StreamDelta, error) {
	return getMany(ctx, t.tx, scanStreamDelta, `
		SELECT `+streamDeltaColumns+` FROM stream_deltas
		WHERE tenant_id = ? AND thread_id = ? AND stream_id = ? AND cursor_start >= ?
		ORDER BY cursor_start ASC, event_id ASC
		LIMIT ?
	`, tenantID, threadID, streamID, fromCursor, normalizeLimit(limit))
}

func (t *sqlTx) EarliestStreamDelta(ctx context.Context, tenantID, threadID, streamID string) (model.StreamDelta, bool, error) {
	return getOne(ctx, t.tx, scanStreamDelta, `
		SELECT `+streamDeltaColumns+` FROM stream_deltas
		WHERE tenant_id = ? AND thread_id = ? AND stream_id = ?
		ORDER BY cursor_start ASC, event_id ASC
		LIMIT 1
	`, tenantID, threadID, streamID)
}

func (t *sqlTx) DeleteStreamDeltas(ctx context.Context, tenantID, threadID, streamID string, limit int) (int, error) {
	return t.execCount(ctx, `
		DELETE FROM stream_deltas WHERE rowid IN (
			SELECT rowid FROM stream_deltas
			WHERE tenant_id = ? AND thread_id = ? AND stream_id = ?
			ORDER BY cursor_start ASC
			LIMIT ?
		)
	`, tenantID, threadID, streamID, normalizeLimit(limit))
}

func (t *sqlTx) DeleteExpiredStreamDeltas(ctx context.Context, nowMs int64, limit int) (int, error) {
	return t.execCount(ctx, `
		DELETE FROM stream_deltas WHERE rowid IN (
			SELECT rowid FROM stream_deltas
			WHERE expires_at_ms <= ?
			ORDER BY expires_at_ms ASC
			LIMIT ?
		)
	`, nowMs, normalizeLimit(limit))
}

// lifecycle events

const lifecycleEventColumns = `tenant_id, thread_id, turn_id, event_id, kind, payload_json, created_at_ms`

func scanLifecycleEvent(r scanner) (model.LifecycleEvent, error) {
	var v model.LifecycleEvent
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.TurnID, &v.EventID, &v.Kind, &v.PayloadJSON, &v.CreatedAtMs)
	return v, err
}

func (t *sqlTx) HasLifecycleEvent(ctx context.Context, tenantID, threadID, eventID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM lifecycle_events WHERE tenant_id = ? AND thread_id = ? AND event_id = ?`,
		tenantID, threadID, eventID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "sqlite sync store: has lifecycle event")
	}
	return n > 0, nil
}

func (t *sqlTx) InsertLifecycleEvent(ctx context.Context, v model.LifecycleEvent) error {
	return t.exec(ctx, `INSERT INTO lifecycle_events(`+lifecycleEventColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		v.TenantID, v.ThreadID, v.TurnID, v.EventID, v.Kind, v.PayloadJSON, v.CreatedAtMs)
}

func (t *sqlTx) ListLifecycleEvents(ctx context.Context, tenantID, threadID string, afterMs int64, limit int) ([]model.LifecycleEvent, error) {
	return getMany(ctx, t.tx, scanLifecycleEvent, `
		SELECT `+lifecycleEventColumns+` FROM lifecycle_events
		WHERE tenant_id = ? AND thread_id = ? AND created_at_ms > ?
		ORDER BY created_at_ms ASC, event_id ASC
		LIMIT ?
	`, tenantID, threadID, afterMs, normalizeLimit(limit))
}

// checkpoints

const checkpointColumns = `tenant_id, thread_id, device_id, stream_id, user_id, acked_cursor, updated_at_ms`

func scanCheckpoint(r scanner) (model.StreamCheckpoint, error) {
	var v model.StreamCheckpoint
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.DeviceID, &v.StreamID, &v.UserID, &v.AckedCursor, &v.UpdatedAtMs)
	return v, err
}

func (t *sqlTx) GetCheckpoint(ctx context.Context, tenantID, threadID, deviceID, streamID string) (model.StreamCheckpoint, bool, error) {
	return getOne(ctx, t.tx, scanCheckpoint, `
		SELECT `+checkpointColumns+` FROM stream_checkpoints
		WHERE tenant_id = ? AND thread_id = ? AND device_id = ? AND stream_id = ?
	`, tenantID, threadID, deviceID, streamID)
}

func (t *sqlTx) PutCheckpoint(ctx context.Context, v model.StreamCheckpoint) error {
	return t.exec(ctx, `
		INSERT INTO stream_checkpoints(`+checkpointColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, device_id, stream_id) DO UPDATE SET
			user_id = excluded.user_id,
			acked_cursor = excluded.acked_cursor,
			updated_at_ms = excluded.updated_at_ms
	`, v.TenantID, v.ThreadID, v.DeviceID, v.StreamID, v.UserID, v.AckedCursor, v.UpdatedAtMs)
}

func (t *sqlTx) ListCheckpoints(ctx context.Context, tenantID, threadID, deviceID string) ([]model.StreamCheckpoint, error) {
	return getMany(ctx, t.tx, scanCheckpoint, `
		SELECT `+checkpointColumns+` FROM stream_checkpoints
		WHERE tenant_id = ? AND thread_id = ? AND device_id = ?
		ORDER BY stream_id ASC
	`, tenantID, threadID, deviceID)
}

// dispatches

const dispatchColumns = `tenant_id, thread_id, dispatch_id, turn_id, user_id, idempotency_key, input_text, input_fingerprint, status, claim_owner, claim_token, lease_expires_at_ms, attempt_count, runtime_thread_id, runtime_turn_id, failure_code, failure_reason, created_at_ms, updated_at_ms, started_at_ms, completed_at_ms, cancelled_at_ms`

func scanDispatch(r scanner) (model.TurnDispatch, error) {
	var v model.TurnDispatch
	err := r.Scan(&v.TenantID, &v.ThreadID, &v.DispatchID, &v.TurnID, &v.UserID, &v.IdempotencyKey,
		&v.InputText, &v.InputFingerprint, &v.Status, &v.ClaimOwner, &v.ClaimToken, &v.LeaseExpiresAtMs,
		&v.AttemptCount, &v.RuntimeThreadID, &v.RuntimeTurnID, &v.FailureCode, &v.FailureReason,
		&v.CreatedAtMs, &v.UpdatedAtMs, &v.StartedAtMs, &v.CompletedAtMs, &v.CancelledAtMs)
	return v, err
}

func (t *sqlTx) GetDispatch(ctx context.Context, tenantID, threadID, dispatchID string) (model.TurnDispatch, bool, error) {
	return getOne(ctx, t.tx, scanDispatch,
		`SELECT `+dispatchColumns+` FROM turn_dispatches WHERE tenant_id = ? AND thread_id = ? AND dispatch_id = ?`,
		tenantID, threadID, dispatchID)
}

func (t *sqlTx) GetDispatchByIdempotencyKey(ctx context.Context, tenantID, threadID, key string) (model.TurnDispatch, bool, error) {
	return getOne(ctx, t.tx, scanDispatch, `
		SELECT `+dispatchColumns+` FROM turn_dispatches
		WHERE tenant_id = ? AND thread_id = ? AND idempotency_key = ?
		ORDER BY created_at_ms ASC
		LIMIT 1
	`, tenantID, threadID, key)
}

func (t *sqlTx) GetDispatchByTurn(ctx context.Context, tenantID, threadID, turnID string) (model.TurnDispatch, bool, error) {
	return getOne(ctx, t.tx, scanDispatch, `
		SELECT `+dispatchColumns+` FROM turn_dispatches
		WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?
		ORDER BY created_at_ms DESC, dispatch_id DESC
		LIMIT 1
	`, tenantID, threadID, turnID)
}

func (t *sqlTx) PutDispatch(ctx context.Context, v model.TurnDispatch) error {
	return t.exec(ctx, `
		INSERT INTO turn_dispatches(`+dispatchColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, dispatch_id) DO UPDATE SET
			status = excluded.status,
			claim_owner = excluded.claim_owner,
			claim_token = excluded.claim_token,
			lease_expires_at_ms = excluded.lease_expires_at_ms,
			attempt_count = excluded.attempt_count,
			runtime_thread_id = excluded.runtime_thread_id,
			runtime_turn_id = excluded.runtime_turn_id,
			failure_code = excluded.failure_code,
			failure_reason = excluded.failure_reason,
			updated_at_ms = excluded.updated_at_ms,
			started_at_ms = excluded.started_at_ms,
			completed_at_ms = excluded.completed_at_ms,
			cancelled_at_ms = excluded.cancelled_at_ms
	`, v.TenantID, v.ThreadID, v.DispatchID, v.TurnID, v.UserID, v.IdempotencyKey,
		v.InputText, v.InputFingerprint, v.Status, v.ClaimOwner, v.ClaimToken, v.LeaseExpiresAtMs,
		v.AttemptCount, v.RuntimeThreadID, v.RuntimeTurnID, v.FailureCode, v.FailureReason,
		v.CreatedAtMs, v.UpdatedAtMs, v.StartedAtMs, v.CompletedAtMs, v.CancelledAtMs)
}

func (t *sqlTx) ListDispatches(ctx context.Context, tenantID, threadID string, statuses []model.DispatchStatus, limit int) ([]model.TurnDispatch, error) {
	query := `SELECT ` + dispatchColumns + ` FROM turn_dispatches WHERE tenant_id = ? AND thread_id = ?`
	args := []any{tenantID, threadID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at_ms ASC, dispatch_id ASC LIMIT ?`
	args = append(args, normalizeLimit(limit))
	return getMany(ctx, t.tx, scanDispatch, query, args...)
}

// server requests

const serverRequestColumns = `tenant_id, thread_id, request_key, turn_id, item_id, user_id, method, payload_json, reason, questions_json, status, response_json, created_at_ms, updated_at_ms, resolved_at_ms`

func scanServerRequest(r scanner) (model.ServerRequest, error) {
	var (
		v   model.ServerRequest
		key string
	)
	err := r.Scan(&v.TenantID, &v.ThreadID, &key, &v.TurnID, &v.ItemID, &v.UserID, &v.Method,
		&v.PayloadJSON, &v.Reason, &v.QuestionsJSON, &v.Status, &v.ResponseJSON,
		&v.CreatedAtMs, &v.UpdatedAtMs, &v.ResolvedAtMs)
	if err != nil {
		return v, err
	}
	v.RequestID, err = model.ParseRequestIDKey(key)
	return v, err
}

func (t *sqlTx) GetServerRequest(ctx context.Context, tenantID, threadID, requestKey string) (model.ServerRequest, bool, error) {
	return getOne(ctx, t.tx, scanServerRequest, `
		SELECT `+serverRequestColumns+` FROM server_requests
		WHERE tenant_id = ? AND thread_id = ? AND request_key = ?
	`, tenantID, threadID, requestKey)
}

func (t *sqlTx) PutServerRequest(ctx context.Context, v model.ServerRequest) error {
	return t.exec(ctx, `
		INSERT INTO server_requests(`+serverRequestColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, thread_id, request_key) DO UPDATE SET
			turn_id = excluded.turn_id,
			item_id = excluded.item_id,
			method = excluded.method,
			payload_json = excluded.payload_json,
			reason = excluded.reason,
			questions_json = excluded.questions_json,
			status = excluded.status,
			response_json = excluded.response_json,
			updated_at_ms = excluded.updated_at_ms,
			resolved_at_ms = excluded.resolved_at_ms
	`, v.TenantID, v.ThreadID, v.RequestID.Key(), v.TurnID, v.ItemID, v.UserID, v.Method,
		v.PayloadJSON, v.Reason, v.QuestionsJSON, v.Status, v.ResponseJSON,
		v.CreatedAtMs, v.UpdatedAtMs, v.ResolvedAtMs)
}

func (t *sqlTx) ListServerRequests(ctx context.Context, tenantID, threadID string, status model.ServerRequestStatus, limit int) ([]model.ServerRequest, error) {
	return getMany(ctx, t.tx, scanServerRequest, `
		SELECT `+serverRequestColumns+` FROM server_requests
		WHERE tenant_id = ? AND (? = '' OR thread_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at_ms DESC, request_key DESC
		LIMIT ?
	`, tenantID, threadID, threadID, status, status, normalizeLimit(limit))
}

// deletion jobs

const deletionJobColumns = `tenant_id, deletion_job_id, user_scope, user_id, target_kind, thread_id, turn_id, status, reason, phase, deleted_counts_json, scheduled_for_ms, error_code, error_message, created_at_ms, updated_at_ms, started_at_ms, completed_at_ms, cancelled_at_ms`

func scanDeletionJob(r scanner) (model.DeletionJob, error) {
	var (
		v      model.DeletionJob
		counts string
	)
	err := r.Scan(&v.TenantID, &v.DeletionJobID, &v.UserScope, &v.UserID, &v.TargetKind, &v.ThreadID,
		&v.TurnID, &v.Status, &v.Reason, &v.Phase, &counts, &v.ScheduledForMs, &v.ErrorCode,
		&v.ErrorMessage, &v.CreatedAtMs, &v.UpdatedAtMs, &v.StartedAtMs, &v.CompletedAtMs, &v.CancelledAtMs)
	if err != nil {
		return v, err
	}
	v.DeletedCountsByTable = map[string]int{}
	if err := json.Unmarshal([]byte(counts), &v.DeletedCountsByTable); err != nil {
		return v, errors.Wrap(err, "decode deleted counts")
	}
	return v, nil
}

func (t *sqlTx) GetDeletionJob(ctx context.Context, tenantID, deletionJobID string) (model.DeletionJob, bool, error) {
	return getOne(ctx, t.tx, scanDeletionJob,
		`SELECT `+deletionJobColumns+` FROM deletion_jobs WHERE tenant_id = ? AND deletion_job_id = ?`,
		tenantID, deletionJobID)
}

func (t *sqlTx) PutDeletionJob(ctx context.Context, v model.DeletionJob) error {
	counts := v.DeletedCountsByTable
	if counts == nil {
		counts = map[string]int{}
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return errors.Wrap(err, "sqlite sync store: encode deleted counts")
	}
	return t.exec(ctx, `
		INSERT INTO deletion_jobs(`+deletionJobColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, deletion_job_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			phase = excluded.phase,
			deleted_counts_json = excluded.deleted_counts_json,
			scheduled_for_ms = excluded.scheduled_for_ms,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			updated_at_ms = excluded.updated_at_ms,
			started_at_ms = excluded.started_at_ms,
			completed_at_ms = excluded.completed_at_ms,
			cancelled_at_ms = excluded.cancelled_at_ms
	`, v.TenantID, v.DeletionJobID, v.UserScope, v.UserID, v.TargetKind, v.ThreadID, v.TurnID,
		v.Status, v.Reason, v.Phase, string(countsJSON), v.ScheduledForMs, v.ErrorCode, v.ErrorMessage,
		v.CreatedAtMs, v.UpdatedAtMs, v.StartedAtMs, v.CompletedAtMs, v.CancelledAtMs)
}

func (t *sqlTx) DeleteRows(ctx context.Context, table Table, scope Scope, limit int) (int, error) {
	if strings.TrimSpace(scope.TenantID) == "" {
		return 0, errors.New("sqlite sync store: delete rows requires tenant")
	}
	known := false
	for _, candidate := range CascadeOrder {
		if candidate == table {
			known = true
			break
		}
	}
	if !known {
		return 0, errors.Errorf("sqlite sync store: unknown table %q", table)
	}
	if scope.TurnID != "" && !table.TurnScoped() {
		return 0, nil
	}

	where := []string{`tenant_id = ?`}
	args := []any{scope.TenantID}
	if scope.OwnerUserID != "" {
		if table == TableThreads {
			where = append(where, `user_id = ?`)
			args = append(args, scope.OwnerUserID)
		} else {
			where = append(where, `thread_id IN (SELECT thread_id FROM threads WHERE tenant_id = ? AND user_id = ?)`)
			args = append(args, scope.TenantID, scope.OwnerUserID)
		}
	}
	if scope.ThreadID != "" {
		where = append(where, `thread_id = ?`)
		args = append(args, scope.ThreadID)
	}
	if scope.TurnID != "" {
		where = append(where, `turn_id = ?`)
		args = append(args, scope.TurnID)
	}
	args = append(args, normalizeLimit(limit))

	name := string(table)
	query := fmt.Sprintf(`DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE %s LIMIT ?)`,
		name, name, strings.Join(where, " AND "))
	return t.execCount(ctx, query, args...)
}
