package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/loadtest"
	"github.com/mschirtzinger/crsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure convergence of a local cluster under load",
	Long: `Start a local cluster of sync nodes in a temporary directory, run
concurrent writers against every node and measure how long the replicas
take to converge.

Node 0 serves and the other nodes dial it, so changes between leaves are
relayed by node 0.

Examples:
  crsync loadtest
  crsync loadtest --nodes 5 --writers 8 --writes 500 --rows 50
  crsync loadtest --json`,
	RunE: runLoadtest,
}

func init() {
	d := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("nodes", d.Nodes, "Number of nodes")
	loadtestCmd.Flags().Int("writers", d.Writers, "Concurrent writers per node")
	loadtestCmd.Flags().Int("writes", d.WritesPerWriter, "Operations per writer")
	loadtestCmd.Flags().Int("rows", d.Rows, "Distinct keys to write (fewer means more conflicts)")
	loadtestCmd.Flags().Float64("deletes", d.DeleteRatio, "Share of operations that delete (0.0-1.0)")
	loadtestCmd.Flags().Int("batch", d.BatchSize, "Records per sync batch")
	loadtestCmd.Flags().Uint64("seed", d.Seed, "Random seed")
	loadtestCmd.Flags().Duration("timeout", d.Timeout, "Maximum wait for convergence")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	loadtestCmd.Flags().BoolP("verbose", "v", false, "Show node logs")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	opts := loadtest.DefaultOptions()
	opts.Nodes, _ = cmd.Flags().GetInt("nodes")
	opts.Writers, _ = cmd.Flags().GetInt("writers")
	opts.WritesPerWriter, _ = cmd.Flags().GetInt("writes")
	opts.Rows, _ = cmd.Flags().GetInt("rows")
	opts.DeleteRatio, _ = cmd.Flags().GetFloat64("deletes")
	opts.BatchSize, _ = cmd.Flags().GetInt("batch")
	opts.Seed, _ = cmd.Flags().GetUint64("seed")
	opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
	opts.Verbose, _ = cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if opts.Nodes < 2 {
		return fmt.Errorf("--nodes must be at least 2")
	}
	if opts.Writers <= 0 || opts.WritesPerWriter <= 0 || opts.Rows <= 0 {
		return fmt.Errorf("--writers, --writes and --rows must be positive")
	}
	if opts.DeleteRatio < 0 || opts.DeleteRatio > 1 {
		return fmt.Errorf("--deletes must be between 0.0 and 1.0")
	}

	dir, err := os.MkdirTemp("", "crsync-loadtest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	opts.Dir = dir
	if !jsonOutput {
		opts.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if !jsonOutput {
		fmt.Printf("%s Starting %d nodes (%d writers x %d ops each)...\n",
			ui.RenderAccent("🚀"), opts.Nodes, opts.Writers, opts.WritesPerWriter)
	}
	cluster, err := loadtest.StartCluster(ctx, opts)
	if err != nil {
		return err
	}
	defer cluster.Close()

	report, err := cluster.Run(ctx)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary(report)); encErr != nil {
			return encErr
		}
		return err
	}
	if report != nil && report.Writes != nil {
		report.Writes.PrintStats(os.Stdout)
	}
	if err != nil {
		fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
		return err
	}

	fmt.Printf("\n%s Converged in %v (%d rows, db_versions %v)\n",
		ui.RenderPass("✓"), report.Convergence.Round(time.Millisecond), report.Rows, report.Versions)
	return nil
}

func summary(r *loadtest.Report) map[string]any {
	out := map[string]any{
		"nodes":          r.Nodes,
		"converged":      r.Converged,
		"rows":           r.Rows,
		"db_versions":    r.Versions,
		"write_time_ms":  r.WriteTime.Milliseconds(),
		"convergence_ms": r.Convergence.Milliseconds(),
	}
	if w := r.Writes; w != nil {
		out["writes"] = map[string]any{
			"ops":     w.TotalOps,
			"errors":  w.Errors,
			"p50_us":  w.P50.Microseconds(),
			"p95_us":  w.P95.Microseconds(),
			"p99_us":  w.P99.Microseconds(),
			"max_us":  w.Max.Microseconds(),
			"mean_us": w.Mean.Microseconds(),
		}
	}
	return out
}
