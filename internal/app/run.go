package app

import (
	"context"
	"fmt"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/scheduler"
	"github.com/vk/stagegridgo/internal/workflow"
)

// Run executes one scheduling run as declared by the configuration's run
// block, adjusted by command-line overrides.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	requests, filter, opts, err := a.pipeline.BuildRun(a.set)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		a.logger.Warn("Configuration has no run block with stages, nothing to schedule.")
		return nil
	}

	// Command-line flags override the run block.
	if a.config.Force {
		opts.Force = true
	}
	if a.config.ForceAll {
		opts.ForceAll = true
	}
	if a.config.Reprocess {
		opts.Reprocess = true
	}

	workers := a.config.Workers
	if workers == 0 && a.pipeline.Run != nil {
		workers = a.pipeline.Run.Workers
	}
	engine := workflow.NewLocalEngine(workers, a.repo)

	sched := scheduler.New(a.set, a.repo, a.tree, engine, opts)
	res, err := sched.Run(ctx, requests, filter)
	if err != nil {
		return fmt.Errorf("scheduling run failed: %w", err)
	}

	for _, st := range res.Stages {
		switch st.State {
		case scheduler.StateNoOp:
			fmt.Fprintf(a.outW, "%s: up to date\n", st.Stage)
		case scheduler.StateHandedOff:
			fmt.Fprintf(a.outW, "%s: executed %d nodes\n", st.Stage, st.Nodes)
		default:
			fmt.Fprintf(a.outW, "%s: %s\n", st.Stage, st.State)
		}
	}
	a.logger.Info("Run complete.", "run", res.Name, "handed_off", res.HandedOff())
	return nil
}
