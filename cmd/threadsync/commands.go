package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/threadsync/pkg/deletion"
	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/importer"
	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/streams"
)

// withApp loads the config, builds a one-shot app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newIngestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one batch envelope from a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "read %s", file)
			}
			req, err := ingest.DecodeBatch(raw)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, _, err := a.sessions.EnsureThread(ctx, actor, req.ThreadID); err != nil {
					return err
				}
				res := a.pipeline.IngestSafe(ctx, actor, req)
				if err := a.settle(ctx, false); err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Batch envelope JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		file     string
		threadID string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a thread history snapshot from a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "read %s", file)
			}
			var req importer.ImportRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return errors.Wrapf(err, "decode %s", file)
			}
			if threadID != "" {
				req.ThreadID = threadID
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.importer.Import(ctx, actor, req)
				if err != nil {
					return err
				}
				if err := a.settle(ctx, false); err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Snapshot JSON file with threadId and turns")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to import into, overrides the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Inspect and drive the turn dispatch queue",
	}

	var (
		threadID, turnID, key, text, dispatchID, owner, token, reason string
		lease                                                         time.Duration
	)
	accept := &cobra.Command{
		Use:   "accept",
		Short: "Queue a turn start",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, _, err := a.sessions.EnsureThread(ctx, actor, threadID); err != nil {
					return err
				}
				res, err := a.dispatch.Accept(ctx, actor, dispatch.AcceptRequest{
					ThreadID:       threadID,
					DispatchID:     dispatchID,
					TurnID:         turnID,
					IdempotencyKey: key,
					Input:          []dispatch.InputItem{{Type: "text", Text: text}},
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	accept.Flags().StringVar(&turnID, "turn", "", "Client turn id")
	accept.Flags().StringVar(&key, "key", "", "Idempotency key")
	accept.Flags().StringVar(&text, "text", "", "Text input")
	accept.Flags().StringVar(&dispatchID, "dispatch", "", "Dispatch id, generated when empty")

	claim := &cobra.Command{
		Use:   "claim",
		Short: "Claim the oldest claimable dispatch of a thread",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if owner == "" {
					owner = a.cfg.Dispatch.ClaimOwner
				}
				c, err := a.dispatch.Claim(ctx, actor, threadID, owner, lease)
				if err != nil {
					return err
				}
				if c == nil {
					log.Info().Str("thread_id", threadID).Msg("nothing to claim")
					return nil
				}
				return printJSON(cmd, c)
			})
		},
	}
	claim.Flags().StringVar(&owner, "owner", "", "Claim owner, defaults to dispatch.claim-owner")
	claim.Flags().DurationVar(&lease, "lease", 0, "Lease duration, defaults to dispatch.lease")

	state := &cobra.Command{
		Use:   "state",
		Short: "Show a dispatch by id or turn",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.dispatch.GetState(ctx, actor, threadID, dispatchID, turnID)
				if err != nil {
					return err
				}
				if st == nil {
					return errors.New("dispatch not found")
				}
				return printJSON(cmd, st)
			})
		},
	}
	state.Flags().StringVar(&dispatchID, "dispatch", "", "Dispatch id")
	state.Flags().StringVar(&turnID, "turn", "", "Turn id")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a dispatch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.dispatch.Cancel(ctx, actor, threadID, dispatchID, token, reason)
			})
		},
	}
	cancel.Flags().StringVar(&dispatchID, "dispatch", "", "Dispatch id")
	cancel.Flags().StringVar(&token, "token", "", "Claim token of a claimed dispatch")
	cancel.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	_ = cancel.MarkFlagRequired("dispatch")

	cmd.PersistentFlags().StringVar(&threadID, "thread", "", "Thread id")
	_ = cmd.MarkPersistentFlagRequired("thread")
	cmd.AddCommand(accept, claim, state, cancel)
	return cmd
}

// parseStreamCursors reads "stream" or "stream@cursor" arguments.
func parseStreamCursors(args []string) ([]streams.StreamCursor, error) {
	out := make([]streams.StreamCursor, 0, len(args))
	for _, arg := range args {
		id, cur, found := strings.Cut(arg, "@")
		sc := streams.StreamCursor{StreamID: id}
		if found {
			n, err := strconv.ParseInt(cur, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "cursor of %s", arg)
			}
			sc.Cursor = n
		}
		out = append(out, sc)
	}
	return out, nil
}

func newReplayCmd() *cobra.Command {
	var (
		threadID   string
		streamArgs []string
		rebase     bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print retained stream deltas from the given cursors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			cursors, err := parseStreamCursors(streamArgs)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.replayer.PullState(ctx, actor, streams.PullRequest{
					ThreadID:      threadID,
					StreamCursors: cursors,
					AllowRebase:   rebase,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id")
	cmd.Flags().StringSliceVar(&streamArgs, "stream", nil, "Stream to read, as id or id@cursor (repeatable)")
	cmd.Flags().BoolVar(&rebase, "allow-rebase", false, "Serve from the earliest retained delta instead of failing with REPLAY_GAP")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass: stale sessions and expired deltas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.workers.Sweep(ctx, time.Now())
				if err != nil {
					return err
				}
				if err := a.settle(ctx, false); err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Schedule, cancel or run deletion jobs",
	}
	var (
		threadID, turnID, reason, jobID string
		delay                           time.Duration
		batchSize                       int
	)
	schedule := func(kind model.DeletionTargetKind) func(cmd *cobra.Command, _ []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.deletion.Schedule(ctx, actor, kind, deletion.ScheduleRequest{
					ThreadID:  threadID,
					TurnID:    turnID,
					Reason:    reason,
					Delay:     delay,
					BatchSize: batchSize,
				})
				if err != nil {
					return err
				}
				log.Info().Str("deletion_job_id", res.DeletionJobID).
					Msg("deletion scheduled; run `delete force-run` to execute it from the CLI")
				return printJSON(cmd, res)
			})
		}
	}

	thread := &cobra.Command{Use: "thread", Short: "Schedule deletion of a thread", RunE: schedule(model.DeletionTargetThread)}
	thread.Flags().StringVar(&threadID, "thread", "", "Thread id")
	_ = thread.MarkFlagRequired("thread")

	turn := &cobra.Command{Use: "turn", Short: "Schedule deletion of a turn", RunE: schedule(model.DeletionTargetTurn)}
	turn.Flags().StringVar(&threadID, "thread", "", "Thread id")
	turn.Flags().StringVar(&turnID, "turn", "", "Turn id")
	_ = turn.MarkFlagRequired("thread")
	_ = turn.MarkFlagRequired("turn")

	actorCmd := &cobra.Command{Use: "actor", Short: "Schedule a purge of everything the user owns", RunE: schedule(model.DeletionTargetActor)}

	for _, c := range []*cobra.Command{thread, turn, actorCmd} {
		c.Flags().StringVar(&reason, "reason", "", "Reason recorded on the job")
		c.Flags().DurationVar(&delay, "delay", deletion.DefaultGrace, "Grace period before the job runs")
		c.Flags().IntVar(&batchSize, "batch-size", 0, "Rows deleted per chunk")
	}

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a deletion job still in its grace period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				applied, err := a.deletion.Cancel(ctx, actor, jobID)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"applied": applied})
			})
		},
	}
	forceRun := &cobra.Command{
		Use:   "force-run",
		Short: "Run a scheduled deletion job now and wait for it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.deletion.ForceRun(ctx, actor, jobID, batchSize); err != nil {
					return err
				}
				if err := a.settle(ctx, false); err != nil {
					return err
				}
				job, err := a.deletion.Get(ctx, actor, jobID)
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
	forceRun.Flags().IntVar(&batchSize, "batch-size", 0, "Rows deleted per chunk")
	for _, c := range []*cobra.Command{cancel, forceRun} {
		c.Flags().StringVar(&jobID, "job", "", "Deletion job id")
		_ = c.MarkFlagRequired("job")
	}

	cmd.AddCommand(thread, turn, actorCmd, cancel, forceRun)
	return cmd
}

func newStreamTimeoutCmd() *cobra.Command {
	var threadID, streamID, reason string
	cmd := &cobra.Command{
		Use:   "stream-timeout",
		Short: "Abort an idle stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				changed, err := a.streams.TimeoutStream(ctx, flags.tenantID, threadID, streamID, reason)
				if err != nil {
					return err
				}
				if err := a.settle(ctx, false); err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"timedOut": changed})
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id")
	cmd.Flags().StringVar(&streamID, "stream", "", "Stream id")
	cmd.Flags().StringVar(&reason, "reason", "timeout", "Reason recorded on the stream")
	_ = cmd.MarkFlagRequired("thread")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}
