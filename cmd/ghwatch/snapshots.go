package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/ui"
)

func newInspectCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "inspect <job>",
		Short: "Inspect the saved snapshot of a job",
		Long: `Inspect the resources a job saw during its latest check. With --live the
snapshot is compared with the current state of the repository, showing the
resources the next check would evaluate. Nothing is saved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), args[0], live)
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Compare the snapshot with the current state of the repository")

	return cmd
}

func runInspect(ctx context.Context, name string, live bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobConfig, err := cfg.Job(name)
	if err != nil {
		return err
	}
	repo, err := resource.ParseRepo(jobConfig.Repo)
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	snap, err := store.Load(name)
	if err != nil {
		return fmt.Errorf("cannot load snapshot: %w", err)
	}

	var remote []resource.Ref
	if live {
		scope := cycle.Scope{Known: map[resource.Kind]map[string]resource.Entry{}}
		for _, raw := range jobConfig.Kinds {
			kind, err := resource.ParseKind(raw)
			if err != nil {
				return err
			}
			scope.Kinds = append(scope.Kinds, kind)
			scope.Known[kind] = snap.Entries(kind)
		}
		source, err := newSource(logrus.WithField("component", "ghwatch"))
		if err != nil {
			return err
		}
		if remote, err = source.Fetch(ctx, repo, scope); err != nil {
			return fmt.Errorf("cannot fetch %s: %w", repo, err)
		}
		if remote == nil {
			remote = []resource.Ref{}
		}
	}

	inspection := ui.NewInspection(name, repo, snap, remote)
	if len(inspection.Items) == 0 {
		fmt.Printf("Job %s has no resources in its snapshot\n", name)
		return nil
	}

	p := tea.NewProgram(ui.NewModel(inspection), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList()
		},
	}
}

func runList() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	summaries, err := store.List()
	if err != nil {
		return fmt.Errorf("cannot list snapshots: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Printf("No snapshots found in %s\n", store.DataDir())
		return nil
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Job < summaries[j].Job })

	tabw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = tabw.Write([]byte("JOB\tREPO\tSAVED\tRESOURCES\n"))
	for _, summary := range summaries {
		var counts []string
		for _, kind := range resource.Kinds {
			if n := summary.Counts[kind]; n > 0 {
				counts = append(counts, fmt.Sprintf("%d %s", n, kind))
			}
		}
		_, _ = fmt.Fprintf(tabw, "%s\t%s\t%s\t%s\n", summary.Job, summary.Repo, summary.SavedAt.Local().Format(time.DateTime), strings.Join(counts, ", "))
	}
	return tabw.Flush()
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job>",
		Short: "Clear the saved snapshot of a job",
		Long: `Clear the saved snapshot of a job. The next check then sees every resource
as created, or skips them all when the job sets skip_first_run. A running
daemon keeps its in-memory snapshot until it restarts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(args[0])
		},
	}
}

func runReset(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	if !store.Exists(name) {
		fmt.Printf("Job %s has no saved snapshot\n", name)
		return nil
	}
	if err := store.Delete(name); err != nil {
		return err
	}
	fmt.Printf("Snapshot of job %s cleared\n", name)
	return nil
}
