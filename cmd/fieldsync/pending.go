package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/app"
)

func newPendingCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending [order-id]",
		Short: "Show actions waiting to sync",
		Long: `Without an order id, list every order with queued actions and its
pending count. With one, list that order's actions in replay order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				actions, err := a.Orders.Pending(ctx, args[0])
				if err != nil {
					return err
				}
				if len(actions) == 0 {
					fmt.Fprintf(out, "%s nothing pending for %s\n", color.New(color.FgGreen).Sprint("✓"), args[0])
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tCREATED\tATTEMPTS\tLAST ERROR")
				for _, act := range actions {
					attempts := fmt.Sprint(act.Attempts)
					if act.Attempts > 0 {
						attempts = color.New(color.FgYellow).Sprint(act.Attempts)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						act.ID,
						act.Kind,
						act.CreatedAtTime().Format(time.RFC3339),
						attempts,
						act.LastError,
					)
				}
				return w.Flush()
			}

			orders, err := a.Queue.Orders(ctx)
			if err != nil {
				return err
			}
			total := 0
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ORDER\tPENDING\tDEAD-LETTERED")
			for _, id := range orders {
				n, err := a.Queue.PendingCount(ctx, id)
				if err != nil {
					return err
				}
				dead, err := a.Queue.DeadLetters(ctx, id)
				if err != nil {
					return err
				}
				if n == 0 && len(dead) == 0 {
					continue
				}
				total += n
				deadCol := "0"
				if len(dead) > 0 {
					deadCol = color.New(color.FgRed).Sprint(len(dead))
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", id, n, deadCol)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if total == 0 {
				fmt.Fprintf(out, "%s queue is empty\n", color.New(color.FgGreen).Sprint("✓"))
			} else {
				fmt.Fprintf(out, "%s %d action(s) waiting\n", color.New(color.FgYellow).Sprint("!"), total)
			}
			return nil
		},
	}
	return cmd
}
