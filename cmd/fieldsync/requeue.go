package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/app"
)

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <order-id> [action-id]",
		Short: "List or revive dead-lettered actions",
		Long: `Actions that failed sync.max_attempts times are parked on a
dead-letter list. Without an action id, list them. With one, put that
action back in the queue at its original position.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			order := args[0]

			if len(args) == 1 {
				dead, err := a.Orders.DeadLetters(ctx, order)
				if err != nil {
					return err
				}
				if len(dead) == 0 {
					fmt.Fprintf(out, "%s no dead-lettered actions for %s\n", color.New(color.FgGreen).Sprint("✓"), order)
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tLAST ERROR")
				for _, act := range dead {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", act.ID, act.Kind, act.Attempts, color.New(color.FgRed).Sprint(act.LastError))
				}
				return w.Flush()
			}

			action, err := a.Orders.Requeue(ctx, order, args[1])
			if err != nil {
				return err
			}
			n, err := a.Orders.PendingCount(ctx, order)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s requeued %s %s (%d pending for %s)\n",
				color.New(color.FgGreen).Sprint("✓"), action.Kind, action.ID, n, order)
			return nil
		},
	}
}
