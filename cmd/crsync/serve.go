package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/daemon"
	"github.com/mschirtzinger/crsync/internal/logging"
	"github.com/mschirtzinger/crsync/internal/metrics"
	"github.com/mschirtzinger/crsync/internal/role"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/transport"
	"github.com/mschirtzinger/crsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Open the database and track the tables given with --track
  2. Accept peer sessions on the listen address (/sync)
  3. Keep a session open to every configured peer, reconnecting with backoff
  4. Follow the node role through the marker file
  5. Serve /health, /status, /events and /metrics

Send SIGHUP to rotate the log file.

Examples:
  crsync serve --db app.db --track todos
  crsync serve --listen :9000 --peer 10.0.0.2:8686 --peer 10.0.0.3:8686`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Sync server address (default from config, :8686)")
	serveCmd.Flags().StringSlice("peer", nil, "Peer address to keep connected (repeatable)")
	serveCmd.Flags().StringSlice("track", nil, "Table to track before syncing (repeatable)")
	serveCmd.Flags().String("marker", "", "Role marker file (default: .primary next to the database)")
	serveCmd.Flags().Bool("no-role", false, "Disable role tracking")
	_ = v.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("peers", serveCmd.Flags().Lookup("peer"))
	_ = v.BindPFlag("marker", serveCmd.Flags().Lookup("marker"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	tables, _ := cmd.Flags().GetStringSlice("track")
	noRole, _ := cmd.Flags().GetBool("no-role")

	sink := logging.NewSink(logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer sink.Close()

	db, err := store.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	hub := transport.NewHub(sink.Logger("events"))
	defer hub.Close()

	tc := transport.DefaultConfig()
	tc.BatchSize = cfg.Sync.BatchSize
	tc.HandshakeTimeout = cfg.Sync.HandshakeTimeout
	tc.AckTimeout = cfg.Sync.AckTimeout
	tc.PingInterval = cfg.Sync.PingInterval
	tc.MaxRejects = cfg.Sync.MaxRejects
	tc.BackoffMin = cfg.Sync.BackoffMin
	tc.BackoffMax = cfg.Sync.BackoffMax
	tc.Logger = sink.Logger("transport")

	rc := role.DefaultConfig()
	rc.RecheckInterval = cfg.Role.RecheckInterval
	rc.Logger = sink.Logger("role")

	marker := cfg.MarkerPath()
	if noRole {
		marker = ""
	}

	d, err := daemon.New(db, &daemon.Config{
		Listen:        cfg.Listen,
		Peers:         cfg.Peers,
		Tables:        tables,
		MarkerPath:    marker,
		Transport:     tc,
		Role:          rc,
		Logger:        sink.Logger("daemon"),
		ReplicaLogger: sink.Logger("replica"),
		Metrics:       m,
		Events:        hub,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := sink.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to rotate log: %v\n", err)
				}
			}
		}
	}()

	go func() {
		select {
		case <-d.Ready():
		case <-ctx.Done():
			return
		}
		fmt.Printf("%s crsync serving %s\n", ui.RenderAccent("🚀"), cfg.DB)
		if addr := d.Addr(); addr != "" {
			fmt.Printf("   Sync:    ws://%s/sync\n", addr)
			fmt.Printf("   Status:  http://%s/status\n", addr)
			fmt.Printf("   Metrics: http://%s/metrics\n", addr)
		}
		for _, p := range cfg.Peers {
			fmt.Printf("   Peer:    %s\n", p)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")
	}()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon stopped with error: %w", err)
	}
	return nil
}
