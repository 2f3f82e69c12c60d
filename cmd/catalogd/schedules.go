package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"catalogd/internal/app"
	"catalogd/internal/task/scheduler"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage persisted job schedules",
}

func init() {
	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesInitCmd)
	schedulesCmd.AddCommand(schedulesSetCmd)
	schedulesCmd.AddCommand(schedulesToggleCmd)
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			recs, err := a.Registry().ListSchedules(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tINTERVAL\tRULE\tACTIVE\tDESCRIPTION")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.JobName, r.Interval, r.RecurrenceRule, r.IsActive, r.Description)
			}
			return tw.Flush()
		})
	},
}

var schedulesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the default schedule of every job that has none",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			created, err := a.Registry().InitializeDefaults(ctx)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Println("All default schedules already exist.")
				return nil
			}
			fmt.Printf("Created: %s\n", strings.Join(created, ", "))
			return nil
		})
	},
}

var setFlags struct {
	interval       string
	customInterval int
	hour           int
	minute         int
	dayOfWeek      int
	dayOfMonth     int
	active         bool
	description    string
}

var schedulesSetCmd = &cobra.Command{
	Use:   "set <job>",
	Short: "Create or replace a job's schedule",
	Example: `  catalogd schedules set genres --interval weekly --day-of-week 1 --hour 4
  catalogd schedules set trendingAnime --interval hourly --custom-interval 6`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := scheduler.ScheduleInput{
			JobName:     args[0],
			Interval:    setFlags.interval,
			Description: setFlags.description,
		}
		f := cmd.Flags()
		intFlag := func(name string, v int) *int {
			if !f.Changed(name) {
				return nil
			}
			return &v
		}
		in.CustomInterval = intFlag("custom-interval", setFlags.customInterval)
		in.Hour = intFlag("hour", setFlags.hour)
		in.Minute = intFlag("minute", setFlags.minute)
		in.DayOfWeek = intFlag("day-of-week", setFlags.dayOfWeek)
		in.DayOfMonth = intFlag("day-of-month", setFlags.dayOfMonth)
		if f.Changed("active") {
			in.IsActive = &setFlags.active
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Registry().UpsertSchedule(ctx, in)
			if err != nil {
				return err
			}
			fmt.Printf("Schedule for '%s' set to %q (%s), next run %s\n", rec.JobName, rec.RecurrenceRule, rec.Interval, fmtTime(rec.NextRun))
			return nil
		})
	},
}

func init() {
	f := schedulesSetCmd.Flags()
	f.StringVarP(&setFlags.interval, "interval", "i", "", "minutes, hourly, daily, weekly, monthly or custom")
	f.IntVar(&setFlags.customInterval, "custom-interval", 0, "step: minutes for minutes/custom, hours for hourly")
	f.IntVar(&setFlags.hour, "hour", 0, "hour of day, UTC")
	f.IntVar(&setFlags.minute, "minute", 0, "minute of hour")
	f.IntVar(&setFlags.dayOfWeek, "day-of-week", 0, "0 (Sunday) to 6, weekly only")
	f.IntVar(&setFlags.dayOfMonth, "day-of-month", 1, "1 to 31, monthly only")
	f.BoolVar(&setFlags.active, "active", true, "whether the schedule fires")
	f.StringVar(&setFlags.description, "description", "", "free-form description")
	_ = schedulesSetCmd.MarkFlagRequired("interval")
}

var schedulesToggleCmd = &cobra.Command{
	Use:       "toggle <job> on|off",
	Short:     "Activate or deactivate a schedule",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var active bool
		switch strings.ToLower(args[1]) {
		case "on", "true", "1":
			active = true
		case "off", "false", "0":
		default:
			return errors.Newf("expected on or off, got %q", args[1])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Registry().ToggleActive(ctx, args[0], active)
			if err != nil {
				return err
			}
			state := "deactivated"
			if rec.IsActive {
				state = "activated"
			}
			fmt.Printf("Schedule '%s' %s\n", rec.JobName, state)
			return nil
		})
	},
}
