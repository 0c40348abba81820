package cmd

import (
	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Push every pending outbox row to the remote store, then exit",
	RunE:  runDrain,
}

func runDrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.facade.Close()

	if err := a.facade.Initialize(ctx); err != nil {
		return err
	}
	return a.facade.DrainOutbox(ctx)
}
