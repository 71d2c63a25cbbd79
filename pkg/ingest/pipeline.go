// Package ingest turns batches of runtime deltas into durable thread state.
//
// One Ingest call is one store transaction. Follow-up work (turn
// finalization, stream cleanup, maintenance sweeps) is published on the job
// bus only after the transaction commits.
package ingest

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/runtimeevents"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const (
	DefaultMaxDeltasPerCall          = 512
	DefaultFinishedStreamDeleteDelay = 5 * time.Minute
	DefaultDeltaTTL                  = 24 * time.Hour

	heartbeatWriteMinInterval = 10 * time.Second
	staleSweepMinInterval     = 60 * time.Second
	cleanupSweepMinInterval   = 300 * time.Second
	staleSessionAge           = 3 * time.Minute
	expiredDeltaSweepBatch    = 1000
	streamCleanupBatch        = 500
	terminalMessageScanLimit  = 500
)

type Options struct {
	// SaveStreamDeltas retains delta kinds (agent message deltas) in
	// addition to lifecycle kinds.
	SaveStreamDeltas bool `yaml:"save-stream-deltas"`
	// MaxDeltasPerCall rejects larger batches with RESOURCE_LIMIT. Zero
	// disables the limit.
	MaxDeltasPerCall          int           `yaml:"max-deltas-per-call"`
	FinishedStreamDeleteDelay time.Duration `yaml:"finished-stream-delete-delay"`
	DeltaTTL                  time.Duration `yaml:"delta-ttl"`
}

func DefaultOptions() Options {
	return Options{
		SaveStreamDeltas:          true,
		MaxDeltasPerCall:          DefaultMaxDeltasPerCall,
		FinishedStreamDeleteDelay: DefaultFinishedStreamDeleteDelay,
		DeltaTTL:                  DefaultDeltaTTL,
	}
}

// RequestOptions overrides pipeline options for one call.
type RequestOptions struct {
	SaveStreamDeltas *bool `json:"saveStreamDeltas,omitempty"`
}

type IngestRequest struct {
	SessionID       string          `json:"sessionId"`
	ThreadID        string          `json:"threadId"`
	StreamDeltas    []model.Delta   `json:"streamDeltas,omitempty"`
	LifecycleEvents []model.Delta   `json:"lifecycleEvents,omitempty"`
	Options         *RequestOptions `json:"options,omitempty"`
}

// Len is the number of deltas in the request.
func (r IngestRequest) Len() int {
	return len(r.StreamDeltas) + len(r.LifecycleEvents)
}

type IngestStatus string

const (
	IngestOK      IngestStatus = "ok"
	IngestPartial IngestStatus = "partial"
)

type AckedStream struct {
	StreamID     string `json:"streamId"`
	AckCursorEnd int64  `json:"ackCursorEnd"`
}

type IngestResult struct {
	AckedStreams []AckedStream `json:"ackedStreams"`
	IngestStatus IngestStatus  `json:"ingestStatus"`
}

type PipelineConfig struct {
	Store    syncstore.Store
	Sessions *sessions.Registry
	Jobs     jobs.Publisher
	// Events interprets payloads. Defaults to runtimeevents.DefaultRegistry.
	Events  *runtimeevents.Registry
	Options *Options
	Now     func() time.Time
	Logger  *zerolog.Logger
}

type Pipeline struct {
	store    syncstore.Store
	sessions *sessions.Registry
	jobs     jobs.Publisher
	events   *runtimeevents.Registry
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest pipeline: store is nil")
	}
	opts := DefaultOptions()
	if cfg.Options != nil {
		opts = *cfg.Options
		if opts.FinishedStreamDeleteDelay <= 0 {
			opts.FinishedStreamDeleteDelay = DefaultFinishedStreamDeleteDelay
		}
		if opts.DeltaTTL <= 0 {
			opts.DeltaTTL = DefaultDeltaTTL
		}
	}
	events := cfg.Events
	if events == nil {
		events = runtimeevents.DefaultRegistry()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := log.With().Str("component", "ingest").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ingest").Logger()
	}
	return &Pipeline{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		jobs:     cfg.Jobs,
		events:   events,
		opts:     opts,
		now:      now,
		logger:   logger,
	}, nil
}

func (p *Pipeline) Options() Options {
	return p.opts
}

// Ingest applies a batch atomically. Any error leaves the store untouched.
func (p *Pipeline) Ingest(ctx context.Context, actor model.Actor, req IngestRequest) (IngestResult, error) {
	if p == nil {
		return IngestResult{}, errors.New("ingest pipeline: nil pipeline")
	}
	deltas, err := normalizeBatch(req)
	if err != nil {
		return IngestResult{}, err
	}
	if p.opts.MaxDeltasPerCall > 0 && len(deltas) > p.opts.MaxDeltasPerCall {
		return IngestResult{}, syncerr.New(syncerr.CodeResourceLimit,
			"batch of %d deltas exceeds the per-call limit of %d", len(deltas), p.opts.MaxDeltasPerCall)
	}
	saveDeltas := p.opts.SaveStreamDeltas
	if req.Options != nil && req.Options.SaveStreamDeltas != nil {
		saveDeltas = *req.Options.SaveStreamDeltas
	}

	var run *ingestRun
	err = p.store.WithinTx(ctx, func(tx syncstore.Tx) error {
		run = newIngestRun(ctx, p, tx, actor, req, saveDeltas)
		return run.execute(deltas)
	})
	if err != nil {
		p.logger.Debug().Err(err).
			Str("thread_id", req.ThreadID).
			Str("session_id", req.SessionID).
			Str("code", string(syncerr.CodeOf(err))).
			Msg("ingest rejected")
		return IngestResult{}, err
	}

	p.publishAll(ctx, run.followUps)
	p.logger.Debug().
		Str("thread_id", req.ThreadID).
		Str("session_id", req.SessionID).
		Int("deltas", len(deltas)).
		Str("status", string(run.status)).
		Msg("ingest applied")
	return run.result(), nil
}

type followUp struct {
	job   jobs.Job
	delay time.Duration
}

func (p *Pipeline) publishAll(ctx context.Context, followUps []followUp) {
	if p.jobs == nil {
		return
	}
	for _, f := range followUps {
		if _, err := p.jobs.Publish(ctx, f.job, f.delay); err != nil {
			p.logger.Warn().Err(err).
				Str("job", string(f.job.Kind)).
				Str("thread_id", f.job.ThreadID).
				Msg("could not publish follow-up job")
		}
	}
}

// normalizeBatch tags, validates and orders the request's deltas by
// creation time. Ties keep submission order, stream deltas first.
func normalizeBatch(req IngestRequest) ([]model.Delta, error) {
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.SessionID) == "" {
		return nil, syncerr.New(syncerr.CodeInvalidBatch, "threadId and sessionId are required")
	}
	if req.Len() == 0 {
		return nil, syncerr.New(syncerr.CodeInvalidBatch, "ingest received an empty delta batch")
	}
	out := make([]model.Delta, 0, req.Len())
	for _, d := range req.StreamDeltas {
		d.Type = model.DeltaStream
		out = append(out, d)
	}
	for _, d := range req.LifecycleEvents {
		d.Type = model.DeltaLifecycle
		out = append(out, d)
	}
	for _, d := range out {
		if strings.TrimSpace(d.EventID) == "" || strings.TrimSpace(d.Kind) == "" {
			return nil, syncerr.New(syncerr.CodeInvalidBatch, "delta without eventId or kind")
		}
		if d.ThreadID != "" && d.ThreadID != req.ThreadID {
			return nil, syncerr.New(syncerr.CodeInvalidBatch,
				"delta %s targets thread %s inside a batch for %s", d.EventID, d.ThreadID, req.ThreadID)
		}
		if d.Type == model.DeltaStream && strings.TrimSpace(d.StreamID) == "" {
			return nil, syncerr.New(syncerr.CodeInvalidBatch, "stream delta %s without streamId", d.EventID)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return out, nil
}

// ingestRun holds the request-scoped caches of one Ingest call.
type ingestRun struct {
	ctx        context.Context
	p          *Pipeline
	tx         syncstore.Tx
	actor      model.Actor
	req        IngestRequest
	saveDeltas bool
	nowMs      int64

	session model.Session

	turns         map[string]*model.Turn
	startedTurns  []string
	startedSeen   map[string]bool
	turnTerminals map[string]model.TerminalStatus

	approvalRequests    map[approvalKey]runtimeevents.ApprovalRequest
	approvalResolutions map[approvalKey]runtimeevents.ApprovalResolution

	messages      map[messageKey]*model.Message
	dirtyMessages []messageKey
	dirtySeen     map[messageKey]bool
	nextOrder     map[string]int64

	streams         map[string]*model.Stream
	stats           map[string]*model.StreamStat
	persistedCount  map[string]int64
	expected        map[string]int64
	checkpoint      map[string]int64
	streamTerminals map[string]model.TerminalStatus
	inBatch         map[string]bool

	lastPersistedCursor int64
	persistedAny        bool
	status              IngestStatus

	followUps []followUp
}

type approvalKey struct{ turnID, itemID string }

type messageKey struct{ turnID, messageID string }

func newIngestRun(ctx context.Context, p *Pipeline, tx syncstore.Tx, actor model.Actor, req IngestRequest, saveDeltas bool) *ingestRun {
	return &ingestRun{
		ctx:                 ctx,
		p:                   p,
		tx:                  tx,
		actor:               actor,
		req:                 req,
		saveDeltas:          saveDeltas,
		nowMs:               p.now().UnixMilli(),
		turns:               map[string]*model.Turn{},
		startedSeen:         map[string]bool{},
		turnTerminals:       map[string]model.TerminalStatus{},
		approvalRequests:    map[approvalKey]runtimeevents.ApprovalRequest{},
		approvalResolutions: map[approvalKey]runtimeevents.ApprovalResolution{},
		messages:            map[messageKey]*model.Message{},
		dirtySeen:           map[messageKey]bool{},
		nextOrder:           map[string]int64{},
		streams:             map[string]*model.Stream{},
		stats:               map[string]*model.StreamStat{},
		persistedCount:      map[string]int64{},
		expected:            map[string]int64{},
		checkpoint:          map[string]int64{},
		streamTerminals:     map[string]model.TerminalStatus{},
		inBatch:             map[string]bool{},
		status:              IngestOK,
	}
}

func (r *ingestRun) tenant() string { return r.actor.TenantID }

func (r *ingestRun) threadID() string { return r.req.ThreadID }

func (r *ingestRun) execute(deltas []model.Delta) error {
	session, err := sessions.RequireBoundSession(r.ctx, r.tx, r.actor, r.req.SessionID, r.req.ThreadID)
	if err != nil {
		return err
	}
	r.session = session
	r.lastPersistedCursor = session.LastEventCursor

	for _, d := range deltas {
		if err := r.apply(d); err != nil {
			return err
		}
	}

	if err := r.flushMessages(); err != nil {
		return err
	}
	if err := r.finalizeTurns(); err != nil {
		return err
	}
	if err := r.finalizeApprovals(); err != nil {
		return err
	}
	if err := r.finalizeStreams(); err != nil {
		return err
	}
	if err := r.flushStreamStats(); err != nil {
		return err
	}
	if err := r.applyCheckpoints(); err != nil {
		return err
	}
	return r.patchSession()
}

func (r *ingestRun) apply(d model.Delta) error {
	payloadTurnID := runtimeevents.PayloadTurnID(d.Kind, d.PayloadJSON)
	if payloadTurnID == "" && runtimeevents.RequiresPayloadTurnID(d) {
		return syncerr.New(syncerr.CodeTurnIDRequired,
			"missing canonical payload turn id for event kind=%s eventId=%s", d.Kind, d.EventID)
	}

	turnID := payloadTurnID
	switch d.Type {
	case model.DeltaStream:
		if turnID == "" {
			turnID = d.TurnID
		}
		if turnID == "" {
			return syncerr.New(syncerr.CodeTurnIDRequired, "stream delta %s without turn id", d.EventID)
		}
	case model.DeltaLifecycle:
		// Lifecycle events only attach to the turn named by their payload.
	default:
		return syncerr.New(syncerr.CodeInvalidBatch, "unknown delta type %q", d.Type)
	}
	d.TurnID = turnID

	fx := runtimeevents.Effects{}
	if turnID != "" {
		fx = r.p.events.Interpret(d.Kind, d.PayloadJSON)
		if err := r.ensureTurn(d, fx.Terminal); err != nil {
			return err
		}
	}

	var (
		fresh bool
		err   error
	)
	switch d.Type {
	case model.DeltaStream:
		fresh, err = r.admitStreamDelta(d)
	case model.DeltaLifecycle:
		fresh, err = r.persistLifecycleEvent(d)
	}
	if err != nil || !fresh || turnID == "" {
		return err
	}

	r.collectTurnSignals(d, fx.Terminal)
	r.collectApprovalEffects(turnID, fx)
	return r.applyMessageEffects(d, fx)
}

func (r *ingestRun) ensureTurn(d model.Delta, terminal *model.TerminalStatus) error {
	if _, ok := r.turns[d.TurnID]; ok {
		return nil
	}
	turn, found, err := r.tx.GetTurn(r.ctx, r.tenant(), r.threadID(), d.TurnID)
	if err != nil {
		return errors.Wrap(err, "ingest: load turn")
	}
	if found {
		if turn.UserID != r.actor.UserID {
			return syncerr.New(syncerr.CodeAuthTurnForbidden,
				"user %s is not allowed to access turn %s", r.actor.UserID, d.TurnID)
		}
		r.turns[d.TurnID] = &turn
		return nil
	}

	status := runtimeevents.SyntheticTurnStatus(d.Kind, terminal)
	turn = model.Turn{
		TenantID:       r.tenant(),
		ThreadID:       r.threadID(),
		TurnID:         d.TurnID,
		UserID:         r.actor.UserID,
		Status:         status,
		IdempotencyKey: "sync:" + r.threadID() + ":" + d.TurnID,
		StartedAtMs:    r.nowMs,
	}
	if status.Terminal() {
		turn.CompletedAtMs = r.nowMs
		if terminal != nil && status != model.TurnCompleted {
			turn.ErrorMessage = terminal.Error
		}
	}
	if err := r.tx.PutTurn(r.ctx, turn); err != nil {
		return errors.Wrap(err, "ingest: insert turn")
	}
	r.turns[d.TurnID] = &turn
	return nil
}

func (r *ingestRun) collectTurnSignals(d model.Delta, terminal *model.TerminalStatus) {
	if d.Kind == runtimeevents.KindTurnStarted && !r.startedSeen[d.TurnID] {
		r.startedSeen[d.TurnID] = true
		r.startedTurns = append(r.startedTurns, d.TurnID)
	}
	if terminal == nil {
		return
	}
	r.turnTerminals[d.TurnID] = pick(r.turnTerminals, d.TurnID, *terminal)
	if d.Type == model.DeltaStream {
		r.streamTerminals[d.StreamID] = pick(r.streamTerminals, d.StreamID, *terminal)
	}
}

func pick(m map[string]model.TerminalStatus, key string, next model.TerminalStatus) model.TerminalStatus {
	if current, ok := m[key]; ok {
		return model.PickTerminal(&current, next)
	}
	return next
}

func (r *ingestRun) collectApprovalEffects(turnID string, fx runtimeevents.Effects) {
	if fx.ApprovalRequest != nil {
		r.approvalRequests[approvalKey{turnID, fx.ApprovalRequest.ItemID}] = *fx.ApprovalRequest
	}
	if fx.ApprovalResolution != nil {
		r.approvalResolutions[approvalKey{turnID, fx.ApprovalResolution.ItemID}] = *fx.ApprovalResolution
	}
}

func (r *ingestRun) persistLifecycleEvent(d model.Delta) (bool, error) {
	exists, err := r.tx.HasLifecycleEvent(r.ctx, r.tenant(), r.threadID(), d.EventID)
	if err != nil {
		return false, errors.Wrap(err, "ingest: lookup lifecycle event")
	}
	if exists {
		return false, nil
	}
	err = r.tx.InsertLifecycleEvent(r.ctx, model.LifecycleEvent{
		TenantID:    r.tenant(),
		ThreadID:    r.threadID(),
		TurnID:      d.TurnID,
		EventID:     d.EventID,
		Kind:        d.Kind,
		PayloadJSON: d.PayloadJSON,
		CreatedAtMs: d.CreatedAtMs,
	})
	if err != nil {
		return false, errors.Wrap(err, "ingest: insert lifecycle event")
	}
	return true, nil
}

// admitStreamDelta enforces cursor order and retention for one stream delta.
// It reports false for a redelivered event, which acks but applies nothing.
func (r *ingestRun) admitStreamDelta(d model.Delta) (bool, error) {
	if err := r.ensureStream(d); err != nil {
		return false, err
	}
	if d.CursorStart >= d.CursorEnd {
		return false, syncerr.New(syncerr.CodeInvalidCursorRange,
			"invalid cursor range start=%d end=%d for eventId=%s", d.CursorStart, d.CursorEnd, d.EventID)
	}

	if r.inBatch[d.EventID] {
		return false, syncerr.New(syncerr.CodeDupEventInBatch, "duplicate eventId in request batch: %s", d.EventID)
	}
	r.inBatch[d.EventID] = true

	expected := r.expected[d.StreamID]
	existing, found, err := r.tx.GetStreamDelta(r.ctx, r.tenant(), r.threadID(), d.StreamID, d.EventID)
	if err != nil {
		return false, errors.Wrap(err, "ingest: lookup stream delta")
	}
	if found {
		r.expected[d.StreamID] = max(expected, existing.CursorEnd)
		r.checkpoint[d.StreamID] = max(r.checkpoint[d.StreamID], existing.CursorEnd)
		return false, nil
	}

	if d.CursorStart < expected {
		return false, syncerr.New(syncerr.CodeOutOfOrder,
			"expected cursorStart>=%d for streamId=%s but got %d for eventId=%s",
			expected, d.StreamID, d.CursorStart, d.EventID)
	}
	if d.CursorStart > expected {
		r.status = IngestPartial
	}
	retain := runtimeevents.IsLifecycleKind(d.Kind) || (r.saveDeltas && runtimeevents.IsDeltaKind(d.Kind))
	if retain {
		err := r.tx.InsertStreamDelta(r.ctx, model.StreamDelta{
			TenantID:    r.tenant(),
			ThreadID:    r.threadID(),
			TurnID:      d.TurnID,
			StreamID:    d.StreamID,
			EventID:     d.EventID,
			Kind:        d.Kind,
			PayloadJSON: d.PayloadJSON,
			CursorStart: d.CursorStart,
			CursorEnd:   d.CursorEnd,
			CreatedAtMs: d.CreatedAtMs,
			ExpiresAtMs: r.nowMs + r.p.opts.DeltaTTL.Milliseconds(),
		})
		if err != nil {
			return false, errors.Wrap(err, "ingest: insert stream delta")
		}
		r.persistedCount[d.StreamID]++
		r.lastPersistedCursor = max(r.lastPersistedCursor, d.CursorEnd)
		r.persistedAny = true
	}

	r.checkpoint[d.StreamID] = max(r.checkpoint[d.StreamID], d.CursorEnd)
	r.expected[d.StreamID] = d.CursorEnd
	return true, nil
}

func (r *ingestRun) ensureStream(d model.Delta) error {
	if _, ok := r.streams[d.StreamID]; ok {
		return nil
	}
	stream, found, err := r.tx.GetStream(r.ctx, r.tenant(), r.threadID(), d.StreamID)
	if err != nil {
		return errors.Wrap(err, "ingest: load stream")
	}
	if !found {
		stream = model.Stream{
			TenantID:    r.tenant(),
			ThreadID:    r.threadID(),
			StreamID:    d.StreamID,
			TurnID:      d.TurnID,
			State:       model.StreamStreaming,
			StartedAtMs: r.nowMs,
		}
		if err := r.tx.PutStream(r.ctx, stream); err != nil {
			return errors.Wrap(err, "ingest: insert stream")
		}
	}
	r.streams[d.StreamID] = &stream

	stat, found, err := r.tx.GetStreamStat(r.ctx, r.tenant(), r.threadID(), d.StreamID)
	if err != nil {
		return errors.Wrap(err, "ingest: load stream stat")
	}
	if !found {
		stat = model.StreamStat{
			TenantID:    r.tenant(),
			ThreadID:    r.threadID(),
			StreamID:    d.StreamID,
			TurnID:      stream.TurnID,
			State:       stream.State,
			UpdatedAtMs: r.nowMs,
		}
	}
	r.stats[d.StreamID] = &stat
	r.expected[d.StreamID] = stat.LatestCursor
	return nil
}

func (r *ingestRun) applyMessageEffects(d model.Delta, fx runtimeevents.Effects) error {
	if dm := fx.Message; dm != nil {
		key := messageKey{d.TurnID, dm.MessageID}
		existing, err := r.message(key)
		if err != nil {
			return err
		}
		if existing == nil {
			order, err := r.nextOrderForTurn(d.TurnID)
			if err != nil {
				return err
			}
			m := &model.Message{
				TenantID:       r.tenant(),
				ThreadID:       r.threadID(),
				TurnID:         d.TurnID,
				MessageID:      dm.MessageID,
				UserID:         r.actor.UserID,
				Role:           dm.Role,
				Status:         dm.Status,
				Text:           dm.Text,
				SourceItemType: dm.SourceItemType,
				OrderInTurn:    order,
				PayloadJSON:    dm.PayloadJSON,
				CreatedAtMs:    d.CreatedAtMs,
				UpdatedAtMs:    r.nowMs,
			}
			if dm.Status == model.MessageFailed {
				m.Error = "item failed"
			}
			if dm.Status != model.MessageStreaming {
				m.CompletedAtMs = r.nowMs
			}
			r.messages[key] = m
			r.markDirty(key)
		} else {
			next := model.MergeMessageStatus(existing.Status, dm.Status)
			existing.Role = dm.Role
			existing.Status = next
			existing.Text = dm.Text
			existing.SourceItemType = dm.SourceItemType
			existing.PayloadJSON = dm.PayloadJSON
			existing.UpdatedAtMs = r.nowMs
			if next == model.MessageFailed {
				existing.Error = "item failed"
			}
			if next != model.MessageStreaming {
				existing.CompletedAtMs = r.nowMs
			}
			r.markDirty(key)
		}
	}

	delta := fx.MessageDelta
	if delta == nil {
		return nil
	}
	key := messageKey{d.TurnID, delta.MessageID}
	existing, err := r.message(key)
	if err != nil {
		return err
	}
	if existing == nil {
		order, err := r.nextOrderForTurn(d.TurnID)
		if err != nil {
			return err
		}
		r.messages[key] = &model.Message{
			TenantID:       r.tenant(),
			ThreadID:       r.threadID(),
			TurnID:         d.TurnID,
			MessageID:      delta.MessageID,
			UserID:         r.actor.UserID,
			Role:           model.RoleAssistant,
			Status:         model.MessageStreaming,
			Text:           delta.Delta,
			SourceItemType: "agentMessage",
			OrderInTurn:    order,
			PayloadJSON:    agentMessagePayload(delta.MessageID, delta.Delta),
			CreatedAtMs:    d.CreatedAtMs,
			UpdatedAtMs:    r.nowMs,
		}
		r.markDirty(key)
		return nil
	}
	if existing.Status != model.MessageStreaming {
		return nil
	}
	existing.Text += delta.Delta
	existing.PayloadJSON = agentMessagePayload(delta.MessageID, existing.Text)
	existing.UpdatedAtMs = r.nowMs
	r.markDirty(key)
	return nil
}

func agentMessagePayload(id, text string) string {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Text string `json:"text"`
	}{Type: "agentMessage", ID: id, Text: text})
	if err != nil {
		return ""
	}
	return string(payload)
}

func (r *ingestRun) message(key messageKey) (*model.Message, error) {
	if m, ok := r.messages[key]; ok {
		return m, nil
	}
	m, found, err := r.tx.GetMessage(r.ctx, r.tenant(), r.threadID(), key.turnID, key.messageID)
	if err != nil {
		return nil, errors.Wrap(err, "ingest: load message")
	}
	if !found {
		r.messages[key] = nil
		return nil, nil
	}
	r.messages[key] = &m
	return &m, nil
}

func (r *ingestRun) markDirty(key messageKey) {
	if r.dirtySeen[key] {
		return
	}
	r.dirtySeen[key] = true
	r.dirtyMessages = append(r.dirtyMessages, key)
}

func (r *ingestRun) nextOrderForTurn(turnID string) (int64, error) {
	if next, ok := r.nextOrder[turnID]; ok {
		r.nextOrder[turnID] = next + 1
		return next, nil
	}
	last, found, err := r.tx.MaxOrderInTurn(r.ctx, r.tenant(), r.threadID(), turnID)
	if err != nil {
		return 0, errors.Wrap(err, "ingest: max message order")
	}
	next := int64(0)
	if found {
		next = last + 1
	}
	r.nextOrder[turnID] = next + 1
	return next, nil
}

func (r *ingestRun) flushMessages() error {
	for _, key := range r.dirtyMessages {
		m := r.messages[key]
		if m == nil {
			continue
		}
		if err := r.tx.PutMessage(r.ctx, *m); err != nil {
			return errors.Wrap(err, "ingest: write message")
		}
	}
	r.dirtyMessages = nil
	r.dirtySeen = map[messageKey]bool{}
	return nil
}

func (r *ingestRun) finalizeTurns() error {
	for _, turnID := range r.startedTurns {
		turn := r.turns[turnID]
		if turn == nil || turn.Status != model.TurnQueued {
			continue
		}
		turn.Status = model.TurnInProgress
		if err := r.tx.PutTurn(r.ctx, *turn); err != nil {
			return errors.Wrap(err, "ingest: start turn")
		}
	}

	for _, turnID := range slices.Sorted(maps.Keys(r.turnTerminals)) {
		terminal := r.turnTerminals[turnID]
		turn := r.turns[turnID]
		if turn == nil {
			continue
		}
		status := model.MergeTurnStatus(turn.Status, terminal.Status)
		errMsg := ""
		if status != model.TurnCompleted {
			errMsg = firstNonEmpty(terminal.Error, turn.ErrorMessage, string(status))
		}
		turn.Status = status
		turn.ErrorMessage = errMsg
		turn.CompletedAtMs = r.nowMs
		if err := r.tx.PutTurn(r.ctx, *turn); err != nil {
			return errors.Wrap(err, "ingest: finalize turn")
		}
		r.followUps = append(r.followUps, followUp{job: jobs.Job{
			Kind:     jobs.KindFinalizeTurn,
			TenantID: r.tenant(),
			ThreadID: r.threadID(),
			TurnID:   turnID,
			Terminal: &model.TerminalStatus{Status: status, Error: errMsg},
		}})

		if status != model.TurnFailed && status != model.TurnInterrupted {
			continue
		}
		streaming, err := r.tx.ListMessages(r.ctx, r.tenant(), r.threadID(), turnID, model.MessageStreaming, terminalMessageScanLimit)
		if err != nil {
			return errors.Wrap(err, "ingest: list streaming messages")
		}
		for _, m := range streaming {
			m.Status = model.MessageStatus(status)
			m.Error = errMsg
			m.UpdatedAtMs = r.nowMs
			m.CompletedAtMs = r.nowMs
			if err := r.tx.PutMessage(r.ctx, m); err != nil {
				return errors.Wrap(err, "ingest: settle streaming message")
			}
			r.messages[messageKey{turnID, m.MessageID}] = &m
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (r *ingestRun) finalizeApprovals() error {
	for _, key := range sortedApprovalKeys(r.approvalRequests) {
		req := r.approvalRequests[key]
		_, found, err := r.tx.GetApproval(r.ctx, r.tenant(), r.threadID(), key.turnID, key.itemID)
		if err != nil {
			return errors.Wrap(err, "ingest: load approval")
		}
		if found {
			continue
		}
		err = r.tx.PutApproval(r.ctx, model.Approval{
			TenantID:    r.tenant(),
			ThreadID:    r.threadID(),
			TurnID:      key.turnID,
			ItemID:      key.itemID,
			UserID:      r.actor.UserID,
			Kind:        req.Kind,
			Status:      model.ApprovalPending,
			Reason:      req.Reason,
			CreatedAtMs: r.nowMs,
		})
		if err != nil {
			return errors.Wrap(err, "ingest: insert approval")
		}
	}

	for _, key := range sortedApprovalKeys(r.approvalResolutions) {
		res := r.approvalResolutions[key]
		approval, found, err := r.tx.GetApproval(r.ctx, r.tenant(), r.threadID(), key.turnID, key.itemID)
		if err != nil {
			return errors.Wrap(err, "ingest: load approval")
		}
		if !found || approval.Status != model.ApprovalPending {
			continue
		}
		approval.Status = res.Status
		approval.DecidedBy = "runtime"
		approval.DecidedAtMs = r.nowMs
		if err := r.tx.PutApproval(r.ctx, approval); err != nil {
			return errors.Wrap(err, "ingest: resolve approval")
		}
	}
	return nil
}

func sortedApprovalKeys[V any](m map[approvalKey]V) []approvalKey {
	keys := slices.Collect(maps.Keys(m))
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].turnID != keys[j].turnID {
			return keys[i].turnID < keys[j].turnID
		}
		return keys[i].itemID < keys[j].itemID
	})
	return keys
}

func (r *ingestRun) finalizeStreams() error {
	for _, streamID := range slices.Sorted(maps.Keys(r.streamTerminals)) {
		terminal := r.streamTerminals[streamID]
		stream := r.streams[streamID]
		if stream == nil || stream.State != model.StreamStreaming {
			continue
		}
		delay := r.p.opts.FinishedStreamDeleteDelay
		jobID := uuid.NewString()
		stream.EndedAtMs = r.nowMs
		stream.CleanupJobID = jobID
		stream.CleanupScheduledForMs = r.nowMs + delay.Milliseconds()
		if terminal.Status == model.TurnCompleted {
			stream.State = model.StreamFinished
		} else {
			stream.State = model.StreamAborted
			stream.AbortReason = firstNonEmpty(terminal.Error, string(terminal.Status))
		}
		if err := r.tx.PutStream(r.ctx, *stream); err != nil {
			return errors.Wrap(err, "ingest: end stream")
		}
		if stat := r.stats[streamID]; stat != nil {
			stat.State = stream.State
		}
		r.followUps = append(r.followUps, followUp{
			job: jobs.Job{
				ID:        jobID,
				Kind:      jobs.KindStreamCleanup,
				TenantID:  r.tenant(),
				ThreadID:  r.threadID(),
				TurnID:    stream.TurnID,
				StreamID:  streamID,
				BatchSize: streamCleanupBatch,
			},
			delay: delay,
		})
	}
	return nil
}

func (r *ingestRun) flushStreamStats() error {
	for _, streamID := range slices.Sorted(maps.Keys(r.stats)) {
		stat := r.stats[streamID]
		stat.DeltaCount += r.persistedCount[streamID]
		stat.LatestCursor = max(stat.LatestCursor, r.expected[streamID])
		stat.UpdatedAtMs = r.nowMs
		if err := r.tx.PutStreamStat(r.ctx, *stat); err != nil {
			return errors.Wrap(err, "ingest: write stream stat")
		}
	}
	return nil
}

func (r *ingestRun) applyCheckpoints() error {
	for _, streamID := range slices.Sorted(maps.Keys(r.checkpoint)) {
		cursor := r.checkpoint[streamID]
		cp, found, err := r.tx.GetCheckpoint(r.ctx, r.tenant(), r.threadID(), r.actor.DeviceID, streamID)
		if err != nil {
			return errors.Wrap(err, "ingest: load checkpoint")
		}
		if found && cursor <= cp.AckedCursor {
			continue
		}
		cp = model.StreamCheckpoint{
			TenantID:    r.tenant(),
			ThreadID:    r.threadID(),
			DeviceID:    r.actor.DeviceID,
			StreamID:    streamID,
			UserID:      r.actor.UserID,
			AckedCursor: cursor,
			UpdatedAtMs: r.nowMs,
		}
		if err := r.tx.PutCheckpoint(r.ctx, cp); err != nil {
			return errors.Wrap(err, "ingest: write checkpoint")
		}
	}
	return nil
}

func (r *ingestRun) patchSession() error {
	prevHeartbeat := r.session.LastHeartbeatAtMs
	s := r.session
	s.Status = model.SessionActive
	s.LastEventCursor = max(s.LastEventCursor, r.lastPersistedCursor)
	if r.persistedAny || r.nowMs-prevHeartbeat >= heartbeatWriteMinInterval.Milliseconds() {
		s.LastHeartbeatAtMs = r.nowMs
	}
	if err := r.tx.PutSession(r.ctx, s); err != nil {
		return errors.Wrap(err, "ingest: patch session")
	}

	sinceHeartbeat := r.nowMs - prevHeartbeat
	if sinceHeartbeat >= staleSweepMinInterval.Milliseconds() {
		r.followUps = append(r.followUps, followUp{job: jobs.Job{
			Kind:          jobs.KindSessionsTimeoutStale,
			TenantID:      r.tenant(),
			StaleBeforeMs: r.nowMs - staleSessionAge.Milliseconds(),
		}})
	}
	if r.persistedAny && sinceHeartbeat >= cleanupSweepMinInterval.Milliseconds() {
		r.followUps = append(r.followUps, followUp{job: jobs.Job{
			Kind:      jobs.KindDeltasCleanupExpired,
			BatchSize: expiredDeltaSweepBatch,
		}})
	}
	return nil
}

func (r *ingestRun) result() IngestResult {
	acked := make([]AckedStream, 0, len(r.checkpoint))
	for _, streamID := range slices.Sorted(maps.Keys(r.checkpoint)) {
		acked = append(acked, AckedStream{StreamID: streamID, AckCursorEnd: r.checkpoint[streamID]})
	}
	return IngestResult{AckedStreams: acked, IngestStatus: r.status}
}
