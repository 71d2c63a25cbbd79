package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/transport"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP and WebSocket ingest with background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var drainer *dispatch.Drainer
			if cfg.Dispatch.RunnerURL != "" {
				drainer, err = dispatch.NewDrainer(ctx, dispatch.DrainerConfig{
					Queue:  a.dispatch,
					Runner: &dispatch.WebhookRunner{URL: cfg.Dispatch.RunnerURL, Timeout: cfg.Dispatch.RunnerTimeout},
					Owner:  cfg.Dispatch.ClaimOwner,
					Lease:  cfg.Dispatch.Lease,
				})
				if err != nil {
					return err
				}
				defer drainer.Close()
			} else {
				log.Warn().Msg("dispatch.runner-url is not set; accepted dispatches stay queued")
			}

			srv, err := transport.NewServer(transport.ServerConfig{
				Pipeline:       a.pipeline,
				Sessions:       a.sessions,
				Replayer:       a.replayer,
				Streams:        a.streams,
				Dispatch:       a.dispatch,
				Drainer:        drainer,
				ServerRequests: a.serverRequests,
				Deletion:       a.deletion,
				Importer:       a.importer,
			})
			if err != nil {
				return err
			}

			eg, gctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return a.bus.Run(gctx)
			})
			eg.Go(func() error {
				select {
				case <-a.bus.Running():
				case <-gctx.Done():
					return nil
				}
				a.workers.StartSweepLoop(gctx)
				log.Info().Dur("interval", cfg.Maintenance.SweepInterval).Msg("job bus running")
				return nil
			})
			eg.Go(func() error {
				return srv.ListenAndServe(gctx, cfg.Server.Addr)
			})
			err = eg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}
