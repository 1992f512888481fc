package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Destroy this replica's identity and sync history",
	Long: `Remove the change log, every peer cursor and the rows of every tracked
table, and mint a new site id. Tables stay tracked, so the next sync pulls
everything back from peers as if this replica were new.

This cannot be undone. Pass --yes to confirm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("reset destroys local data; pass --yes to confirm")
		}

		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		site, err := r.Reset(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Replica reset, new site %s\n", ui.RenderPass("✓"), site)
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("yes", false, "Confirm the reset")
	rootCmd.AddCommand(resetCmd)
}
