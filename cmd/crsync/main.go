// Command crsync keeps SQLite databases in sync across machines.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/config"
	"github.com/mschirtzinger/crsync/internal/replica"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/ui"
)

var (
	configFile string
	v          = config.New("")
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "crsync",
	Short: "Peer-to-peer sync for SQLite databases",
	Long: `crsync replicates tracked SQLite tables between peers.

Every local write is recorded as per-column change records with a causal
version. Peers exchange those records over websockets and merge them with
last-writer-wins per column, so every replica converges to the same state
no matter the order in which changes arrive.

Configuration is read from crsync.toml or crsync.yaml in the current
directory or ~/.config/crsync, from CRSYNC_* environment variables and
from flags, in increasing order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	cobra.OnInitialize(func() {
		// Flags are parsed by now, so --config is known.
		if configFile != "" {
			v.SetConfigFile(configFile)
		}
	})
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./crsync.toml or ~/.config/crsync/crsync.toml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	_ = v.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// openReplica opens the configured database and its replica. Component
// logging is silenced unless verbose is set.
func openReplica(ctx context.Context, verbose bool) (*store.DB, *replica.Replica, error) {
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}

	opts := replica.DefaultOptions()
	if !verbose {
		opts.Logger = quietLogger()
	}
	r, err := replica.Open(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, r, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// parseValue reads a command-line value: integers, then reals, then text.
// NULL is the null value, and a leading '=' forces text, so "=42" is the
// string "42".
func parseValue(s string) change.Value {
	switch {
	case s == "NULL":
		return change.Null()
	case strings.HasPrefix(s, "="):
		return change.Text(s[1:])
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return change.Integer(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return change.Real(f)
	}
	return change.Text(s)
}

// parseKey reads a primary key; composite keys are comma-separated.
func parseKey(s string) []change.Value {
	parts := strings.Split(s, ",")
	pk := make([]change.Value, len(parts))
	for i, p := range parts {
		pk[i] = parseValue(p)
	}
	return pk
}

// parseAssignments reads column=value arguments.
func parseAssignments(args []string) (map[string]change.Value, error) {
	cols := make(map[string]change.Value, len(args))
	for _, a := range args {
		name, val, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected column=value, got %q", a)
		}
		cols[name] = parseValue(val)
	}
	return cols, nil
}
