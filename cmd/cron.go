package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/seaclaw/seaclaw/internal/config"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and trigger scheduled jobs",
	}
	cmd.AddCommand(cronListCmd(), cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}
			stores, err := openStores(cfg)
			if err != nil {
				slog.Error("failed to open store", "error", err)
				os.Exit(1)
			}

			jobs, err := stores.Cron.ListJobs(context.Background(), false)
			if err != nil {
				slog.Error("failed to list jobs", "error", err)
				os.Exit(1)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tRUNS\tNEXT RUN")
			for _, j := range jobs {
				next := "-"
				if j.NextRunAt != nil {
					next = j.NextRunAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
					j.ID, j.Name, j.Schedule, j.Enabled, j.RunCount, next)
			}
			w.Flush() //nolint:errcheck
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Execute one job immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := uuid.Parse(args[0])
			if err != nil {
				slog.Error("invalid job id", "id", args[0])
				os.Exit(1)
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				slog.Error("failed to build runtime", "error", err)
				os.Exit(1)
			}
			ctx := context.Background()
			defer rt.shutdown(ctx)

			job, err := rt.stores.Cron.GetJob(ctx, id)
			if err != nil {
				slog.Error("failed to load job", "id", id, "error", err)
				os.Exit(1)
			}
			rt.cron.RunNow(job)

			runs, err := rt.stores.Cron.ListRuns(ctx, id, 1)
			if err != nil || len(runs) == 0 {
				slog.Error("no run recorded", "error", err)
				os.Exit(1)
			}
			run := runs[0]
			fmt.Printf("run %s: %s\n", run.ID, run.Status)
			if run.Output != "" {
				fmt.Println(run.Output)
			}
			if run.Error != "" {
				fmt.Fprintln(os.Stderr, run.Error)
			}
		},
	}
}
