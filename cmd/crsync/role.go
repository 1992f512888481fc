package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/role"
	"github.com/mschirtzinger/crsync/internal/ui"
)

var roleCmd = &cobra.Command{
	Use:     "role",
	GroupID: "sync",
	Short:   "Show this node's replica role",
	Long: `Show whether this node is the primary or a secondary, as decided by the
role marker file: without the file this node is the primary, with it this
node is a secondary and the file names the primary.

With --wait, block until the marker can be read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")

		c := role.NewCoordinator(role.MarkerFile{Path: cfg.MarkerPath(), Self: cfg.Listen}, &role.Config{
			RecheckInterval: 100 * time.Millisecond,
			Logger:          quietLogger(),
		})

		if wait > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			go c.Run(ctx)
			if _, err := c.WaitKnown(ctx); err != nil {
				return fmt.Errorf("role not known after %s: %w", wait, err)
			}
		} else if err := c.Refresh(); err != nil {
			return err
		}

		obs := c.Observation()
		switch obs.Role {
		case role.Primary:
			fmt.Printf("%s primary\n", ui.RenderPass("●"))
		case role.Secondary:
			fmt.Printf("%s secondary (primary: %s)\n", ui.RenderWarn("●"), obs.Primary)
		default:
			fmt.Printf("%s unknown\n", ui.RenderMuted("●"))
		}
		fmt.Printf("   Marker: %s\n", cfg.MarkerPath())
		return nil
	},
}

func init() {
	roleCmd.Flags().Duration("wait", 0, "Wait up to this long for the role to become known")
	rootCmd.AddCommand(roleCmd)
}
