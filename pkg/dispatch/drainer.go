package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

const FailureCodeRunFailed = "RUN_FAILED"

// StartedFunc reports that the runtime accepted a claimed turn.
type StartedFunc func(runtimeThreadID, runtimeTurnID string) error

// Runner executes a claimed turn against the agent runtime. RunTurn returns
// when the runtime is done with the turn.
type Runner interface {
	RunTurn(ctx context.Context, actor model.Actor, threadID string, claim Claimed, started StartedFunc) error
}

type RunnerFunc func(ctx context.Context, actor model.Actor, threadID string, claim Claimed, started StartedFunc) error

func (f RunnerFunc) RunTurn(ctx context.Context, actor model.Actor, threadID string, claim Claimed, started StartedFunc) error {
	return f(ctx, actor, threadID, claim, started)
}

type DrainerConfig struct {
	Queue  *Queue
	Runner Runner
	// Owner names this worker in claims.
	Owner  string
	Lease  time.Duration
	Logger *zerolog.Logger
}

type drainKey struct {
	tenantID string
	threadID string
}

// Drainer runs at most one drain loop per thread. A Kick while a loop is
// running makes that loop look again before it exits.
type Drainer struct {
	queue  *Queue
	runner Runner
	owner  string
	lease  time.Duration
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[drainKey]bool
	again   map[drainKey]bool
}

func NewDrainer(ctx context.Context, cfg DrainerConfig) (*Drainer, error) {
	if cfg.Queue == nil {
		return nil, errors.New("drainer: queue is nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("drainer: runner is nil")
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "threadsync"
	}
	logger := log.With().Str("component", "dispatch-drainer").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "dispatch-drainer").Logger()
	}
	dctx, cancel := context.WithCancel(ctx)
	return &Drainer{
		queue:   cfg.Queue,
		runner:  cfg.Runner,
		owner:   owner,
		lease:   cfg.Lease,
		logger:  logger,
		ctx:     dctx,
		cancel:  cancel,
		running: map[drainKey]bool{},
		again:   map[drainKey]bool{},
	}, nil
}

// Kick starts draining the thread unless a loop already runs for it.
// dispatchID names the dispatch that triggered the kick; it is failed with
// CLAIM_FAILED when claiming errors.
func (d *Drainer) Kick(actor model.Actor, threadID, dispatchID string) {
	if d == nil {
		return
	}
	key := drainKey{tenantID: actor.TenantID, threadID: threadID}
	d.mu.Lock()
	if d.running[key] {
		d.again[key] = true
		d.mu.Unlock()
		return
	}
	d.running[key] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		for {
			d.drain(actor, threadID, dispatchID)
			d.mu.Lock()
			if d.again[key] && d.ctx.Err() == nil {
				delete(d.again, key)
				d.mu.Unlock()
				continue
			}
			delete(d.again, key)
			delete(d.running, key)
			d.mu.Unlock()
			return
		}
	}()
}

func (d *Drainer) drain(actor model.Actor, threadID, triggerID string) {
	threadLog := d.logger.With().Str("thread_id", threadID).Logger()
	for d.ctx.Err() == nil {
		claim, err := d.queue.Claim(d.ctx, actor, threadID, d.owner, d.lease)
		if err != nil {
			threadLog.Warn().Err(err).Msg("claim failed")
			if triggerID != "" {
				ferr := d.queue.FailUnclaimed(d.ctx, actor, threadID, triggerID, string(syncerr.CodeClaimFailed), err.Error())
				if ferr != nil {
					threadLog.Error().Err(ferr).Str("dispatch_id", triggerID).Msg("could not mark dispatch failed")
				}
			}
			return
		}
		if claim == nil {
			return
		}
		triggerID = ""
		d.run(actor, threadID, *claim, threadLog)
	}
}

func (d *Drainer) run(actor model.Actor, threadID string, claim Claimed, threadLog zerolog.Logger) {
	runLog := threadLog.With().Str("dispatch_id", claim.DispatchID).Logger()
	started := func(runtimeThreadID, runtimeTurnID string) error {
		return d.queue.MarkStarted(d.ctx, actor, threadID, claim.DispatchID, claim.ClaimToken, runtimeThreadID, runtimeTurnID)
	}
	stopRenew := d.renewWhileRunning(actor, threadID, claim, runLog)
	err := d.runner.RunTurn(d.ctx, actor, threadID, claim, started)
	stopRenew()
	if err != nil {
		runLog.Warn().Err(err).Msg("turn run failed")
		if ferr := d.queue.MarkFailed(d.ctx, actor, threadID, claim.DispatchID, claim.ClaimToken, FailureCodeRunFailed, err.Error()); ferr != nil {
			runLog.Warn().Err(ferr).Msg("could not mark dispatch failed")
		}
		return
	}
	if err := d.queue.MarkCompleted(d.ctx, actor, threadID, claim.DispatchID, claim.ClaimToken); err != nil {
		// Ingest may already have settled it from the turn's own outcome.
		runLog.Debug().Err(err).Msg("dispatch not marked completed")
	}
}

// renewWhileRunning renews the claim at half the lease until the returned
// func is called, so a long turn keeps other workers off the thread.
func (d *Drainer) renewWhileRunning(actor model.Actor, threadID string, claim Claimed, runLog zerolog.Logger) func() {
	lease := d.lease
	if lease <= 0 {
		lease = d.queue.lease
	}
	lease = max(lease, minLease)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if err := d.queue.RenewLease(d.ctx, actor, threadID, claim.DispatchID, claim.ClaimToken, lease); err != nil {
					runLog.Warn().Err(err).Msg("could not renew dispatch lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Wait blocks until every running loop has exited.
func (d *Drainer) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

// Close stops the loops and waits for them.
func (d *Drainer) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}
