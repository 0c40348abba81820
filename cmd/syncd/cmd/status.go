package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

const statusRecentConflicts = 20

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a point-in-time status snapshot (outbox depth, sync state, recent conflicts) and exit",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.facade.Close()

	cfg, err := a.facade.EnsureConfig(ctx)
	if err != nil {
		return err
	}
	snapshot, err := a.facade.Status(ctx, cfg, statusRecentConflicts)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
