package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/timer"
)

func newTimerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Track labor time on an order",
	}

	step := func(use, short string, fn func(cmd *cobra.Command, a *app.App, order, employee string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <order-id> <employee-id>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := app.Open(opts.cfg)
				if err != nil {
					return err
				}
				defer a.Close()
				if err := fn(cmd, a, args[0], args[1]); err != nil {
					return err
				}
				st, err := a.Orders.TimerStatus(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				printTimer(cmd, st)
				return nil
			},
		}
	}

	cmd.AddCommand(step("start", "Start a labor session", func(cmd *cobra.Command, a *app.App, order, employee string) error {
		return a.Orders.StartTimer(cmd.Context(), order, employee)
	}))
	cmd.AddCommand(step("pause", "Pause a running session", func(cmd *cobra.Command, a *app.App, order, employee string) error {
		return a.Orders.PauseTimer(cmd.Context(), order, employee)
	}))
	cmd.AddCommand(step("resume", "Resume a paused session", func(cmd *cobra.Command, a *app.App, order, employee string) error {
		return a.Orders.ResumeTimer(cmd.Context(), order, employee)
	}))
	cmd.AddCommand(step("stop", "Stop the session and queue a time report", func(cmd *cobra.Command, a *app.App, order, employee string) error {
		action, err := a.Orders.StopTimer(cmd.Context(), order, employee)
		if action != nil {
			var p models.TimeReportPayload
			_ = action.DecodePayload(&p)
			fmt.Fprintf(cmd.OutOrStdout(), "%s queued time report %s: %.2f h\n", color.New(color.FgGreen).Sprint("✓"), action.ID, p.Hours)
		}
		return err
	}))
	cmd.AddCommand(step("status", "Show a session", func(cmd *cobra.Command, a *app.App, order, employee string) error {
		return nil
	}))

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running and paused sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			active, err := a.Orders.ActiveTimers(cmd.Context())
			if err != nil {
				return err
			}
			if len(active) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ORDER\tEMPLOYEE\tSTATE\tELAPSED")
			for _, st := range active {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.OrderID, st.EmployeeID, stateLabel(st.State), st.Elapsed.Truncate(time.Second))
			}
			return w.Flush()
		},
	})

	return cmd
}

func stateLabel(s timer.State) string {
	switch s {
	case timer.StateRunning:
		return color.New(color.FgGreen).Sprint(s)
	case timer.StatePaused:
		return color.New(color.FgYellow).Sprint(s)
	case timer.StateStopping:
		return color.New(color.FgRed).Sprint(s)
	default:
		return string(s)
	}
}

func printTimer(cmd *cobra.Command, st timer.Status) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s %s (%.2f h)\n",
		st.OrderID, st.EmployeeID, stateLabel(st.State), st.Elapsed.Truncate(time.Second), timer.RoundHours(st.Elapsed))
}
