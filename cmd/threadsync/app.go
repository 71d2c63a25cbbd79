package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadsync/pkg/config"
	"github.com/go-go-golems/threadsync/pkg/deletion"
	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/importer"
	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/jobs"
	"github.com/go-go-golems/threadsync/pkg/maintenance"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/redisstream"
	"github.com/go-go-golems/threadsync/pkg/serverrequests"
	"github.com/go-go-golems/threadsync/pkg/sessions"
	"github.com/go-go-golems/threadsync/pkg/streams"
)

// app holds every engine component built from one config.
type app struct {
	cfg   config.Config
	store syncstore.Store

	// Exactly one of bus and recorder is set. One-shot commands record the
	// jobs they cause and run them before exiting.
	bus      *jobs.Bus
	pubsub   *redisstream.PubSub
	recorder *jobs.RecordingPublisher

	sessions       *sessions.Registry
	pipeline       *ingest.Pipeline
	streams        *streams.Manager
	replayer       *streams.Replayer
	dispatch       *dispatch.Queue
	serverRequests *serverrequests.Mirror
	deletion       *deletion.Service
	importer       *importer.Importer
	workers        *maintenance.Workers
}

func openStore(c config.StoreConfig) (syncstore.Store, error) {
	switch c.Backend {
	case config.StoreMemory:
		return syncstore.NewInMemoryStore(), nil
	case config.StoreSQLite:
		dsn, err := syncstore.SQLiteDSNForFile(c.Path, c.Driver)
		if err != nil {
			return nil, err
		}
		return syncstore.NewSQLiteStore(dsn, syncstore.WithDriver(c.Driver))
	default:
		return nil, errors.Errorf("unknown store backend %q", c.Backend)
	}
}

// newBus builds the job bus for long-running processes.
func newBus(ctx context.Context, cfg config.Config) (*jobs.Bus, *redisstream.PubSub, error) {
	logger := log.Logger
	if cfg.Jobs.Backend != config.JobsRedis {
		bus, err := jobs.NewInMemoryBus(logger)
		return bus, nil, err
	}
	s := cfg.JobsSettings()
	if err := redisstream.EnsureGroupAtTail(ctx, s.Addr, s.Stream, s.Group); err != nil {
		return nil, nil, err
	}
	ps, err := redisstream.BuildPubSub(s, jobs.NewWatermillLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	bus, err := jobs.NewBus(jobs.BusConfig{
		Publisher:  ps.Publisher,
		Subscriber: ps.Subscriber,
		Topic:      s.Stream,
		Logger:     &logger,
	})
	if err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	return bus, ps, nil
}

// newApp wires the components. withBus selects the job bus over a recorder.
func newApp(ctx context.Context, cfg config.Config, withBus bool) (*app, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	a := &app{cfg: cfg, store: store}
	var pub jobs.Publisher
	if withBus {
		a.bus, a.pubsub, err = newBus(ctx, cfg)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "job bus")
		}
		pub = a.bus
	} else {
		a.recorder = &jobs.RecordingPublisher{}
		pub = a.recorder
	}
	if err := a.build(pub); err != nil {
		a.Close()
		return nil, err
	}
	if a.bus != nil {
		a.workers.Register(a.bus)
	}
	return a, nil
}

func (a *app) build(pub jobs.Publisher) error {
	cfg := a.cfg
	var err error
	if a.sessions, err = sessions.NewRegistry(sessions.RegistryConfig{Store: a.store}); err != nil {
		return err
	}
	opts := cfg.Ingest
	if a.pipeline, err = ingest.NewPipeline(ingest.PipelineConfig{
		Store:    a.store,
		Sessions: a.sessions,
		Jobs:     pub,
		Options:  &opts,
	}); err != nil {
		return err
	}
	if a.streams, err = streams.NewManager(streams.ManagerConfig{
		Store:                     a.store,
		Jobs:                      pub,
		FinishedStreamDeleteDelay: cfg.Ingest.FinishedStreamDeleteDelay,
	}); err != nil {
		return err
	}
	if a.replayer, err = streams.NewReplayer(streams.ReplayerConfig{
		Store:                   a.store,
		MaxDeltasPerStreamRead:  cfg.Replay.MaxDeltasPerStreamRead,
		MaxDeltasPerRequestRead: cfg.Replay.MaxDeltasPerRequestRead,
	}); err != nil {
		return err
	}
	if a.dispatch, err = dispatch.NewQueue(dispatch.QueueConfig{Store: a.store, Lease: cfg.Dispatch.Lease}); err != nil {
		return err
	}
	if a.serverRequests, err = serverrequests.NewMirror(serverrequests.MirrorConfig{Store: a.store}); err != nil {
		return err
	}
	if a.deletion, err = deletion.NewService(deletion.ServiceConfig{Store: a.store, Jobs: pub}); err != nil {
		return err
	}
	if a.importer, err = importer.NewImporter(importer.ImporterConfig{
		Ingester:    a.pipeline,
		Sessions:    a.sessions,
		ChunkSize:   cfg.Import.ChunkSize,
		Concurrency: cfg.Import.Concurrency,
	}); err != nil {
		return err
	}
	a.workers, err = maintenance.NewWorkers(maintenance.WorkersConfig{
		Streams:         a.streams,
		Sessions:        a.sessions,
		Dispatch:        a.dispatch,
		Deletion:        a.deletion,
		SweepInterval:   cfg.Maintenance.SweepInterval,
		StaleSessionAge: cfg.Maintenance.StaleSessionAge,
	})
	return err
}

// settle runs the jobs a one-shot command recorded. Delayed jobs are left to
// the next sweep or serve process unless includeDelayed is set.
func (a *app) settle(ctx context.Context, includeDelayed bool) error {
	if a.recorder == nil {
		return nil
	}
	n, err := a.workers.DrainRecorded(ctx, a.recorder, includeDelayed)
	if n > 0 {
		log.Debug().Int("jobs", n).Msg("ran recorded jobs")
	}
	return err
}

func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("close job bus")
		}
	}
	if a.pubsub != nil {
		_ = a.pubsub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}
}
