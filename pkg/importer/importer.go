package importer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const DefaultChunkSize = 128

// Ingester is the part of ingest.Pipeline the importer submits to.
type Ingester interface {
	IngestSafe(ctx context.Context, actor model.Actor, req ingest.IngestRequest) ingest.SafeResult
}

// Sessions is the part of sessions.Registry the importer needs.
type Sessions interface {
	EnsureThread(ctx context.Context, actor model.Actor, threadID string) (model.Thread, bool, error)
	EnsureSession(ctx context.Context, actor model.Actor, sessionID, threadID string, lastEventCursor int64) (sessions.EnsureResult, error)
}

type ImporterConfig struct {
	Ingester Ingester
	Sessions Sessions
	// ChunkSize is the largest batch submitted at once. Defaults to 128.
	ChunkSize int
	// Concurrency above one submits different streams in parallel lanes.
	Concurrency int
	Now         func() time.Time
	Logger      *zerolog.Logger
}

type Importer struct {
	ingester    Ingester
	sessions    Sessions
	chunkSize   int
	concurrency int
	now         func() time.Time
	logger      zerolog.Logger
}

func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if cfg.Ingester == nil {
		return nil, errors.New("importer: ingester is nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("importer: sessions is nil")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "importer").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "importer").Logger()
	}
	return &Importer{
		ingester:    cfg.Ingester,
		sessions:    cfg.Sessions,
		chunkSize:   chunkSize,
		concurrency: max(cfg.Concurrency, 1),
		now:         now,
		logger:      logger,
	}, nil
}

type ImportRequest struct {
	// ThreadID is the conversation the history lands in.
	ThreadID string `json:"threadId"`
	// SessionID defaults to a fresh thread-import-<uuid> session.
	SessionID  string         `json:"sessionId,omitempty"`
	SnapshotID string         `json:"snapshotId,omitempty"`
	Turns      []SnapshotTurn `json:"turns"`
}

type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePartial SyncState = "partial"
)

type ImportResult struct {
	ThreadID             string      `json:"threadId"`
	SessionID            string      `json:"sessionId"`
	ImportedTurnCount    int         `json:"importedTurnCount"`
	ImportedMessageCount int         `json:"importedMessageCount"`
	DeltaCount           int         `json:"deltaCount"`
	ChunkCount           int         `json:"chunkCount"`
	SplitCount           int         `json:"splitCount"`
	SyncState            SyncState   `json:"syncState"`
	Warnings             []string    `json:"warnings"`
	Diagnostics          Diagnostics `json:"diagnostics"`
}

// Import writes req's history into the store. Chunks the pipeline rejects
// with RESOURCE_LIMIT are bisected until they fit; a single delta that still
// does not fit fails the import with IRREDUCIBLE_CHUNK.
func (im *Importer) Import(ctx context.Context, actor model.Actor, req ImportRequest) (ImportResult, error) {
	if im == nil {
		return ImportResult{}, errors.New("importer: nil importer")
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		return ImportResult{}, syncerr.New(syncerr.CodeInvalidArgument, "import requires a threadId")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = "thread-import-" + uuid.NewString()
	}
	snapshotID := req.SnapshotID
	if snapshotID == "" {
		snapshotID = uuid.NewString()
	}

	if _, _, err := im.sessions.EnsureThread(ctx, actor, threadID); err != nil {
		return ImportResult{}, err
	}
	if _, err := im.sessions.EnsureSession(ctx, actor, sessionID, threadID, 0); err != nil {
		return ImportResult{}, err
	}

	deltas, diag, err := BuildThreadImportDeltas(snapshotID, threadID, req.Turns, im.now().UnixMilli())
	if err != nil {
		return ImportResult{}, err
	}
	run := &importRun{
		im:        im,
		actor:     actor,
		threadID:  threadID,
		sessionID: sessionID,
		logger: im.logger.With().
			Str("thread_id", threadID).
			Str("session_id", sessionID).
			Str("snapshot_id", snapshotID).
			Logger(),
	}
	res := ImportResult{
		ThreadID:             threadID,
		SessionID:            sessionID,
		ImportedTurnCount:    diag.Turns,
		ImportedMessageCount: diag.RenderableItems,
		DeltaCount:           len(deltas),
		SyncState:            SyncStateSynced,
		Warnings:             []string{},
		Diagnostics:          diag,
	}
	checksum, counted, err := ImportChecksum(deltas, im.chunkSize)
	if err != nil {
		return ImportResult{}, err
	}
	res.Diagnostics.Checksum = checksum
	if counted != diag.RenderableItems {
		res.SyncState = SyncStatePartial
		res.Warnings = append(res.Warnings, fmt.Sprintf("W_IMPORT_CHECKSUM_MISMATCH:expected=%d:counted=%d", diag.RenderableItems, counted))
	}
	if len(deltas) == 0 {
		return res, nil
	}

	if im.concurrency == 1 {
		err = run.submitLane(ctx, deltas)
	} else {
		err = run.submitLanes(ctx, deltas)
	}
	if err != nil {
		run.logger.Warn().Err(err).Msg("import failed")
		return ImportResult{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	res.ChunkCount = run.chunks
	res.SplitCount = run.splits
	if len(run.warnings) > 0 {
		res.SyncState = SyncStatePartial
		res.Warnings = append(res.Warnings, run.warnings...)
	}
	run.logger.Info().
		Int("turns", res.ImportedTurnCount).
		Int("deltas", res.DeltaCount).
		Int("chunks", res.ChunkCount).
		Int("splits", res.SplitCount).
		Str("sync_state", string(res.SyncState)).
		Msg("thread imported")
	return res, nil
}

type importRun struct {
	im        *Importer
	actor     model.Actor
	threadID  string
	sessionID string
	logger    zerolog.Logger

	mu       sync.Mutex
	chunks   int
	splits   int
	warnings []string
}

// submitLanes groups deltas by stream and submits each group sequentially,
// running up to Concurrency groups at once.
func (r *importRun) submitLanes(ctx context.Context, deltas []model.Delta) error {
	var order []string
	lanes := map[string][]model.Delta{}
	for _, d := range deltas {
		if _, ok := lanes[d.StreamID]; !ok {
			order = append(order, d.StreamID)
		}
		lanes[d.StreamID] = append(lanes[d.StreamID], d)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.im.concurrency)
	for _, streamID := range order {
		lane := lanes[streamID]
		eg.Go(func() error {
			return r.submitLane(egCtx, lane)
		})
	}
	return eg.Wait()
}

func (r *importRun) submitLane(ctx context.Context, deltas []model.Delta) error {
	for start := 0; start < len(deltas); start += r.im.chunkSize {
		end := min(start+r.im.chunkSize, len(deltas))
		if err := r.submit(ctx, deltas[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *importRun) submit(ctx context.Context, chunk []model.Delta) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "importer: submit chunk")
	}
	res := r.im.ingester.IngestSafe(ctx, r.actor, ingest.IngestRequest{
		SessionID:    r.sessionID,
		ThreadID:     r.threadID,
		StreamDeltas: chunk,
	})
	if res.Status != ingest.SafeRejected {
		r.mu.Lock()
		r.chunks++
		if res.IngestStatus == ingest.IngestPartial {
			r.warnings = append(r.warnings, fmt.Sprintf("PARTIAL:chunk %s..%s was ingested partially", chunk[0].EventID, chunk[len(chunk)-1].EventID))
		}
		r.mu.Unlock()
		return nil
	}

	first := ingest.SafeError{Code: syncerr.CodeUnknown, Message: "ingest rejected"}
	if len(res.Errors) > 0 {
		first = res.Errors[0]
	}
	if first.Code != syncerr.CodeResourceLimit {
		return syncerr.New(first.Code, "import chunk of %d deltas rejected: %s", len(chunk), joinErrors(res.Errors))
	}
	if len(chunk) == 1 {
		return syncerr.New(syncerr.CodeIrreducibleChunk,
			"delta %s cannot be ingested on its own: %s", chunk[0].EventID, first.Message)
	}
	mid := len(chunk) / 2
	r.mu.Lock()
	r.splits++
	r.mu.Unlock()
	r.logger.Debug().Int("size", len(chunk)).Msg("bisecting rejected import chunk")
	if err := r.submit(ctx, chunk[:mid]); err != nil {
		return err
	}
	return r.submit(ctx, chunk[mid:])
}

func joinErrors(errs []ingest.SafeError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s:%s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}
