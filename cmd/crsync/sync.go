package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/transport"
	"github.com/mschirtzinger/crsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync <peer>",
	GroupID: "sync",
	Short:   "Exchange changes with a peer once",
	Long: `Connect to a peer, exchange changes in both directions until the
session has been idle for --quiet, and disconnect.

The peer may be given as host:port, an http(s) URL or a ws(s) URL.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetDuration("quiet")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		verbose, _ := cmd.Flags().GetBool("verbose")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		db, r, err := openReplica(ctx, verbose)
		if err != nil {
			return err
		}
		defer db.Close()

		before, err := r.Version(ctx)
		if err != nil {
			return err
		}

		tc := transport.DefaultConfig()
		tc.BatchSize = cfg.Sync.BatchSize
		tc.HandshakeTimeout = cfg.Sync.HandshakeTimeout
		tc.AckTimeout = cfg.Sync.AckTimeout
		tc.MaxRejects = cfg.Sync.MaxRejects
		if !verbose {
			tc.Logger = quietLogger()
		}

		client, err := transport.NewClient(args[0], r, tc)
		if err != nil {
			return err
		}

		start := time.Now()
		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), client.Target())
		if err := client.SyncOnce(ctx, quiet); err != nil {
			return err
		}

		after, err := r.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Peer:       %s\n", client.Peer())
		fmt.Printf("   db_version: %d -> %d\n", before, after)
		return nil
	},
}

func init() {
	syncCmd.Flags().Duration("quiet", 500*time.Millisecond, "Disconnect after the session is idle this long")
	syncCmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	syncCmd.Flags().BoolP("verbose", "v", false, "Log session activity")
	rootCmd.AddCommand(syncCmd)
}
