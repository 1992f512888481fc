package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/ui"
)

var trackCmd = &cobra.Command{
	Use:     "track <table>...",
	GroupID: "data",
	Short:   "Mark tables as replicated",
	Long: `Mark tables as replicated. Existing rows are recorded as local changes
so that peers receive them.

A table can be tracked when it has a primary key and every NOT NULL
column has a default.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		for _, table := range args {
			n, err := r.Track(ctx, table)
			if err != nil {
				return err
			}
			fmt.Printf("%s Tracking %s (%d existing rows)\n", ui.RenderPass("✓"), table, n)
		}
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:     "write <table> <pk> [column=value]...",
	GroupID: "data",
	Short:   "Insert or update a row",
	Long: `Insert or update a row of a tracked table. All columns are written in
one transaction and share one db_version.

Values are read as integers, then reals, then text. NULL is the null
value and a leading '=' forces text. Composite keys are comma-separated.

Examples:
  crsync write todos 1 title="buy milk" done=0
  crsync write todos 1 done=1
  crsync write labels 7,urgent color==42`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := parseAssignments(args[2:])
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		dbv, err := r.Write(ctx, args[0], parseKey(args[1]), cols)
		if err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s %s at db_version %d\n", ui.RenderPass("✓"), args[0], args[1], dbv)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <table> <pk>",
	GroupID: "data",
	Short:   "Delete a row",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		dbv, err := r.Delete(ctx, args[0], parseKey(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s %s at db_version %d\n", ui.RenderPass("✓"), args[0], args[1], dbv)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <table> <pk>",
	GroupID: "data",
	Short:   "Show a row",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		row, ok, err := r.Get(ctx, args[0], parseKey(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("%s %s %s not found\n", ui.RenderWarn("⚠"), args[0], args[1])
			return nil
		}

		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([][2]string, len(names))
		for i, name := range names {
			pairs[i] = [2]string{name, row[name].String()}
		}
		fmt.Print(ui.KeyValues(pairs...))
		return nil
	},
}

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "data",
	Short:   "List change records",
	Long: `List change records with db_version greater than --since, in the
order they would be shipped to a peer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := r.GetChanges(ctx, since)
		if err != nil {
			return err
		}

		if jsonOutput {
			out := make([]recordJSON, len(records))
			for i, rec := range records {
				out[i] = toJSON(rec)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		if len(records) == 0 {
			fmt.Printf("No changes after db_version %d\n", since)
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s %s\n", ui.RenderMuted(fmt.Sprintf("%6d.%-3d", rec.DBVersion, rec.Seq)), describe(rec))
		}
		return nil
	},
}

func init() {
	changesCmd.Flags().Int64("since", 0, "Only show records after this db_version")
	changesCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(changesCmd)
}

type recordJSON struct {
	Table        string `json:"table"`
	PK           string `json:"pk"`
	Column       string `json:"cid"`
	Value        string `json:"val"`
	ColVersion   int64  `json:"col_version"`
	DBVersion    int64  `json:"db_version"`
	SiteID       string `json:"site_id"`
	CausalLength int64  `json:"cl"`
	Seq          int64  `json:"seq"`
}

func toJSON(rec change.Record) recordJSON {
	return recordJSON{
		Table:        rec.Table,
		PK:           formatKey(rec.PK),
		Column:       rec.Column,
		Value:        rec.Value.String(),
		ColVersion:   rec.ColVersion,
		DBVersion:    rec.DBVersion,
		SiteID:       rec.SiteID.String(),
		CausalLength: rec.CausalLength,
		Seq:          rec.Seq,
	}
}

// formatKey renders a packed primary key for display.
func formatKey(packed []byte) string {
	values, err := change.UnpackPK(packed)
	if err != nil {
		return fmt.Sprintf("%x", packed)
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func describe(rec change.Record) string {
	key := rec.Table + "[" + formatKey(rec.PK) + "]"
	site := rec.SiteID.Short()
	switch {
	case rec.Deletes():
		return fmt.Sprintf("%s deleted (cl=%d) by %s", key, rec.CausalLength, site)
	case rec.IsSentinel():
		return fmt.Sprintf("%s created (cl=%d) by %s", key, rec.CausalLength, site)
	default:
		return fmt.Sprintf("%s.%s = %s (v%d, cl=%d) by %s", key, rec.Column, rec.Value, rec.ColVersion, rec.CausalLength, site)
	}
}
