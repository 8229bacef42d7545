package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [job]",
		Short: "Show recent checks from the run log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job string
			if len(args) == 1 {
				job = args[0]
			}
			return runRuns(job, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of checks to show")

	return cmd
}

func runRuns(job string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, dataDir, err := openStore(cfg)
	if err != nil {
		return err
	}
	db, err := openRunLog(cfg, dataDir, logrus.WithField("component", "runlog"))
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.Recent(job, limit)
	if err != nil {
		return fmt.Errorf("cannot read run log: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No checks recorded")
		return nil
	}

	tabw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = tabw.Write([]byte("STARTED\tJOB\tTRIGGER\tSTATE\tDURATION\tFETCHED\tEVALUATED\tDISPATCHED\tSKIPPED\tQUOTA\tERROR\n"))
	for _, run := range runs {
		trigger := run.Trigger
		if run.Hint != "" {
			trigger += " " + run.Hint
		}
		quota := "-"
		if run.RateRemaining.Valid {
			quota = fmt.Sprintf("%d", run.RateRemaining.Int64)
		}
		_, _ = fmt.Fprintf(tabw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			run.StartedAt.Local().Format(time.DateTime),
			run.Job,
			trigger,
			run.State,
			run.Duration.Round(time.Millisecond),
			run.Fetched,
			run.Evaluated,
			run.Dispatched,
			run.Skipped,
			quota,
			run.ErrorMessage.String,
		)
	}
	return tabw.Flush()
}
