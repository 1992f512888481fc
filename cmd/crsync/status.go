package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/crsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show replica status",
	Long: `Show the replica's site id, db_version, tracked tables and the cursor
held for every peer.

With --remote, query a running daemon's /status endpoint instead of
opening the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if remote != "" {
			return remoteStatus(remote)
		}

		ctx := context.Background()
		db, r, err := openReplica(ctx, false)
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := r.Status(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Printf("\n%s Replica Status\n\n", ui.RenderAccent("📊"))
		fmt.Print(ui.KeyValues(
			[2]string{"Database", cfg.DB},
			[2]string{"Site", st.SiteID},
			[2]string{"db_version", strconv.FormatInt(st.DBVersion, 10)},
			[2]string{"Change records", strconv.Itoa(st.Changes)},
			[2]string{"Tables", strings.Join(st.Tables, ", ")},
		))

		if len(st.Peers) == 0 {
			fmt.Printf("\n%s\n\n", ui.RenderMuted("No peers synced yet"))
			return nil
		}
		peers := make([]string, 0, len(st.Peers))
		for p := range st.Peers {
			peers = append(peers, p)
		}
		sort.Strings(peers)

		fmt.Printf("\nPeer cursors:\n")
		pairs := make([][2]string, len(peers))
		for i, p := range peers {
			pairs[i] = [2]string{p, st.Peers[p].String()}
		}
		fmt.Print(ui.KeyValues(pairs...))
		fmt.Println()
		return nil
	},
}

func remoteStatus(addr string) error {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(addr, "/") + "/status")
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s: %v", resp.Status, body)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

func init() {
	statusCmd.Flags().String("remote", "", "Query a running daemon at this address")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
