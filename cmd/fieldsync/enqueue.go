package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/models"
)

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a gesture against an order",
		Long:  `Record a technician gesture. It is queued locally and synced when the backend is reachable.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <order-id> <status>",
		Short: "Change the order status",
		Args:  cobra.ExactArgs(2),
		RunE: gesture(opts, func(cmd *cobra.Command, a *app.App, args []string) (*models.QueuedAction, error) {
			return a.Orders.ChangeStatus(cmd.Context(), args[0], args[1])
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "checklist <order-id> <item-id> <true|false>",
		Short: "Complete or reopen a checklist item",
		Args:  cobra.ExactArgs(3),
		RunE: gesture(opts, func(cmd *cobra.Command, a *app.App, args []string) (*models.QueuedAction, error) {
			done, err := strconv.ParseBool(args[2])
			if err != nil {
				return nil, fmt.Errorf("completed must be true or false: %w", err)
			}
			return a.Orders.ToggleChecklistItem(cmd.Context(), args[0], args[1], done)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "photo <order-id> <file>",
		Short: "Attach a photo",
		Args:  cobra.ExactArgs(2),
		RunE: gesture(opts, func(cmd *cobra.Command, a *app.App, args []string) (*models.QueuedAction, error) {
			data, err := readInput(cmd, args[1])
			if err != nil {
				return nil, err
			}
			return a.Orders.CapturePhoto(cmd.Context(), args[0], filepath.Base(args[1]), data)
		}),
	})

	var signedBy string
	signature := &cobra.Command{
		Use:   "signature <order-id> <image-file>",
		Short: "Attach the customer signature",
		Args:  cobra.ExactArgs(2),
		RunE: gesture(opts, func(cmd *cobra.Command, a *app.App, args []string) (*models.QueuedAction, error) {
			data, err := readInput(cmd, args[1])
			if err != nil {
				return nil, err
			}
			return a.Orders.CaptureSignature(cmd.Context(), args[0], data, signedBy)
		}),
	}
	signature.Flags().StringVar(&signedBy, "signed-by", "", "name of the signer (required)")
	_ = signature.MarkFlagRequired("signed-by")
	cmd.AddCommand(signature)

	return cmd
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

type gestureFunc func(cmd *cobra.Command, a *app.App, args []string) (*models.QueuedAction, error)

func gesture(opts *rootOptions, fn gestureFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.Open(opts.cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		action, err := fn(cmd, a, args)
		if err != nil {
			return err
		}
		n, err := a.Orders.PendingCount(cmd.Context(), action.OrderID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s queued %s %s (%d pending for %s)\n",
			color.New(color.FgGreen).Sprint("✓"), action.Kind, action.ID, n, action.OrderID)
		return nil
	}
}
