// Package jobs carries the engine's follow-up work (turn finalization, stream
// cleanup, maintenance sweeps, deletion chunks) over a watermill router.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/model"
)

type Kind string

const (
	KindFinalizeTurn         Kind = "finalize-turn"
	KindStreamCleanup        Kind = "stream-cleanup"
	KindSessionsTimeoutStale Kind = "sessions-timeout-stale"
	KindDeltasCleanupExpired Kind = "deltas-cleanup-expired"
	KindDeletionRun          Kind = "deletion-run"
)

// Job is the wire form of one unit of follow-up work. Fields that do not
// apply to Kind are left empty.
type Job struct {
	ID            string                `json:"id"`
	Kind          Kind                  `json:"kind"`
	TenantID      string                `json:"tenantId,omitempty"`
	ThreadID      string                `json:"threadId,omitempty"`
	TurnID        string                `json:"turnId,omitempty"`
	StreamID      string                `json:"streamId,omitempty"`
	DeletionJobID string                `json:"deletionJobId,omitempty"`
	Terminal      *model.TerminalStatus `json:"terminal,omitempty"`
	StaleBeforeMs int64                 `json:"staleBeforeMs,omitempty"`
	BatchSize     int                   `json:"batchSize,omitempty"`
	CreatedAtMs   int64                 `json:"createdAtMs"`
}

func (j Job) Marshal() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "jobs: marshal job")
	}
	return b, nil
}

func UnmarshalJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, errors.Wrap(err, "jobs: unmarshal job")
	}
	if j.Kind == "" {
		return Job{}, errors.New("jobs: job without kind")
	}
	return j, nil
}

// Publisher schedules a job to run after delay. A zero delay publishes now.
type Publisher interface {
	Publish(ctx context.Context, job Job, delay time.Duration) (string, error)
}

// Handler runs one job.
type Handler func(ctx context.Context, job Job) error

func ensureID(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job
}

// Scheduled is a job captured by a RecordingPublisher.
type Scheduled struct {
	Job   Job
	Delay time.Duration
}

// RecordingPublisher keeps published jobs in memory instead of delivering
// them. Sweep commands and tests drain it explicitly.
type RecordingPublisher struct {
	mu   sync.Mutex
	jobs []Scheduled
	Err  error
}

var _ Publisher = &RecordingPublisher{}

func (p *RecordingPublisher) Publish(_ context.Context, job Job, delay time.Duration) (string, error) {
	if p == nil {
		return "", errors.New("jobs: nil recording publisher")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	job = ensureID(job)
	p.jobs = append(p.jobs, Scheduled{Job: job, Delay: delay})
	return job.ID, nil
}

// Jobs returns a copy of everything published so far.
func (p *RecordingPublisher) Jobs() []Scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Scheduled(nil), p.jobs...)
}

// OfKind returns published jobs of kind in publish order.
func (p *RecordingPublisher) OfKind(kind Kind) []Scheduled {
	out := []Scheduled{}
	for _, s := range p.Jobs() {
		if s.Job.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Drain removes and returns everything published so far.
func (p *RecordingPublisher) Drain() []Scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.jobs
	p.jobs = nil
	return out
}
