package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/app"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [order-id]",
		Short: "Drain queued actions now",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no order id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("an order id or --all is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if a.Client == nil {
				return apperrors.New(apperrors.ErrConfig, "no backend configured (set backend.url or FIELDSYNC_BACKEND_URL)")
			}
			if !a.ProbeOnce(ctx) {
				return apperrors.New(apperrors.ErrOffline, "backend is not reachable, actions stay queued")
			}

			if all {
				started, err := a.Engine.DrainAll(ctx)
				if err != nil {
					return err
				}
				a.Engine.Wait()
				fmt.Fprintf(out, "%s drained %d order(s)\n", color.New(color.FgGreen).Sprint("✓"), started)
				for _, e := range a.Engine.ErrorHistory() {
					fmt.Fprintf(out, "  %s %s %s: %s\n", color.New(color.FgRed).Sprint("✗"), e.OrderID, e.Kind, e.Message)
				}
				return nil
			}

			result, err := a.Orders.SyncNow(ctx, args[0])
			if err != nil {
				return err
			}
			mark := color.New(color.FgGreen).Sprint("✓")
			if result.Failed > 0 || result.Aborted {
				mark = color.New(color.FgYellow).Sprint("!")
			}
			fmt.Fprintf(out, "%s %s: %d synced, %d failed in %s\n", mark, result.OrderID, result.Synced, result.Failed, result.Duration())
			if result.Aborted {
				fmt.Fprintln(out, "  connection lost, remaining actions stay queued")
			}
			for _, e := range a.Engine.ErrorHistory() {
				fmt.Fprintf(out, "  %s %s %s: %s\n", color.New(color.FgRed).Sprint("✗"), e.ActionID, e.Kind, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "drain every order with queued actions")
	return cmd
}
