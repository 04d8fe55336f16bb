package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/perf-pipeline/events"
	"github.com/songzhibin97/perf-pipeline/workflow"
)

func newRunCommand(c *cli) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <user story>",
		Short: "Run one workflow in the foreground and print its results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			live := cmd.ErrOrStderr()
			if quiet {
				live = nil
			}
			return runOnce(cmd.Context(), c, strings.Join(args, " "), cmd, live)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not stream stage output or step progress")
	return cmd
}

func runOnce(ctx context.Context, c *cli, story string, cmd *cobra.Command, live io.Writer) error {
	a, err := newApp(c.cfg, c.logger, live)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.Background()); err != nil {
			c.logger.Warn("engine shutdown error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if live != nil {
		a.engine.SubscribeEvent(events.StepChanged, events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
			_, err := fmt.Fprintf(live, "[%d/%d] %v: %v\n", ev.Step+1, len(a.engine.StepNames()), ev.Data["name"], ev.Data["step_status"])
			return err
		}))
	}

	h, err := a.engine.Submit(ctx, story)
	if err != nil {
		if errors.Is(err, workflow.ErrNoURL) {
			return errors.New(workflow.URLPrompt)
		}
		return err
	}

	runErr := h.Wait(ctx)
	if errors.Is(runErr, context.Canceled) {
		// interrupted: cancel the workflow and wait for its final state
		if err := a.engine.Stop(context.Background()); err != nil {
			return err
		}
		runErr = h.Wait(context.Background())
	}

	outcome, err := a.engine.Results(context.Background(), h.ID)
	if err != nil {
		return err
	}
	progress, err := a.engine.Status(context.Background(), h.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"workflow_id": outcome.WorkflowID,
		"status":      outcome.Status,
		"steps":       progress.Steps,
		"results":     outcome.Results,
	}); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("workflow %s failed: %w", h.ID, runErr)
	}
	return nil
}
