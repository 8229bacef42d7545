package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/scheduler"
	"github.com/petr-muller/ghwatch/internal/watch/webhook"
)

type checkOptions struct {
	kind string
	key  string
	wait bool
}

func newCheckCmd() *cobra.Command {
	var o checkOptions
	cmd := &cobra.Command{
		Use:   "check <job>",
		Short: "Run one check of a job",
		Long: `Run one check of a job right away, outside of the daemon. With --kind and
--key the check is restricted to a single resource. Queued builds run before
the command exits unless --wait=false is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), args[0], o)
		},
	}

	cmd.Flags().StringVar(&o.kind, "kind", "", "Kind of the single resource to check (branch, tag, pull_request)")
	cmd.Flags().StringVar(&o.key, "key", "", "Branch name, tag name or pull request number of the single resource to check")
	cmd.Flags().BoolVar(&o.wait, "wait", true, "Wait for the queued builds to finish")

	return cmd
}

func runCheck(ctx context.Context, name string, o checkOptions) error {
	var hint *resource.Hint
	if o.kind != "" || o.key != "" {
		parsed, err := webhook.ParseHint(o.kind, o.key)
		if err != nil {
			return err
		}
		hint = &parsed
	}

	logger := logrus.WithField("component", "ghwatch")
	svc, err := newServices(logger)
	if err != nil {
		return err
	}
	defer svc.runs.Close()

	j, err := svc.job(name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		svc.executor.Wait()
	}()
	svc.executor.Start(ctx)

	result := j.Reconciler.Run(ctx, string(scheduler.TriggerManual), hint)
	fmt.Println(summarize(result))

	if o.wait && len(result.Causes) > 0 {
		if err := svc.executor.Drain(ctx); err != nil {
			return err
		}
		for _, build := range svc.executor.Builds() {
			line := fmt.Sprintf("build %s for %s: %s", build.ID, build.Key, build.State)
			if build.Error != "" {
				line += " (" + build.Error + ")"
			}
			fmt.Println(line)
		}
	}
	return result.Err()
}

func summarize(result cycle.Result) string {
	var s strings.Builder
	fmt.Fprintf(&s, "%s: %s after %s, %d fetched, %d evaluated, %d dispatched, %d skipped",
		result.Job, result.State, result.Duration.Round(time.Millisecond), result.Fetched, result.Evaluated, len(result.Causes), result.Skipped)
	if consumed := result.Consumed(); consumed >= 0 {
		fmt.Fprintf(&s, ", %d API requests", consumed)
	}
	for _, cause := range result.Causes {
		fmt.Fprintf(&s, "\n  %s %s at %s: %s", cause.Kind, cause.Key, cause.CommitSHA, cause.Reason)
	}
	for _, dispatched := range result.Dispatches {
		if dispatched.Message != "" {
			fmt.Fprintf(&s, "\n  %s", dispatched.Message)
		}
	}
	return s.String()
}
