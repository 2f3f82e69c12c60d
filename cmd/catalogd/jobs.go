package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"catalogd/internal/app"
)

// withApp builds the components without serving and closes them afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run jobs and inspect their status",
}

func init() {
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a job now and record the outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			start := time.Now()
			if err := a.Registry().RunNow(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Job '%s' executed successfully in %s\n", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every schedule with its last and next run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			st, err := a.Registry().Status(ctx)
			if err != nil {
				return err
			}
			if len(st) == 0 {
				fmt.Println("No schedules. Run 'catalogd schedules init' to create the defaults.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tRULE\tACTIVE\tLAST RUN\tRESULT\tNEXT RUN")
			for _, s := range st {
				result := s.LastStatus
				if s.LastError != "" {
					result += ": " + s.LastError
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", s.Name, s.RecurrenceRule, s.IsActive, fmtTime(s.LastRun), result, fmtTime(s.NextRun))
			}
			return tw.Flush()
		})
	},
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}
