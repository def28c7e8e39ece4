package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sb-mirror/sbmirror/internal/loadtest"
	"github.com/sb-mirror/sbmirror/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maintenance",
	Short:   "Benchmark concurrent lookups against a synthetic store",
	Long: `Create a temporary store filled with synthetic segments, then measure
lookup latency with many concurrent clients.

With --isolation, also hold an import transaction open while the clients
query and check that none of them ever sees uncommitted rows.

Examples:
  sbmirror bench
  sbmirror bench --clients 200 --segments 200000
  sbmirror bench --isolation --json`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("clients", 100, "Number of concurrent clients")
	benchCmd.Flags().Int("segments", 100000, "Number of segments in the store")
	benchCmd.Flags().Int("videos", 20000, "Number of distinct videos")
	benchCmd.Flags().Int("queries", 10, "Number of lookups per client")
	benchCmd.Flags().Bool("isolation", false, "Also verify reads during an open import")
	benchCmd.Flags().Duration("isolation-duration", 2*time.Second, "How long to hold the import open")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

type benchResult struct {
	Store     map[string]interface{} `json:"store"`
	Lookups   *loadtest.LatencyStats `json:"lookups"`
	Isolation string                 `json:"isolation,omitempty"`
}

func runBench(cmd *cobra.Command, args []string) {
	clients, _ := cmd.Flags().GetInt("clients")
	segments, _ := cmd.Flags().GetInt("segments")
	videos, _ := cmd.Flags().GetInt("videos")
	queries, _ := cmd.Flags().GetInt("queries")
	isolation, _ := cmd.Flags().GetBool("isolation")
	isolationDuration, _ := cmd.Flags().GetDuration("isolation-duration")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if clients <= 0 || segments <= 0 || videos <= 0 || queries <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --clients, --segments, --videos and --queries must be positive\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "sbmirror-bench-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()

	if !jsonOutput {
		fmt.Printf("%s Creating store with %d segments over %d videos...\n", ui.RenderAccent("⏱"), segments, videos)
	}
	ts, err := loadtest.CreateTestStore(ctx, filepath.Join(dir, "bench.db"), segments, videos)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer ts.Close()

	stats, err := ts.RunConcurrentLookups(ctx, clients, queries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	result := benchResult{Store: ts.GetStats(), Lookups: stats}
	failed := stats.Errors > 0

	if isolation {
		if err := ts.VerifyReadIsolation(ctx, clients, isolationDuration); err != nil {
			result.Isolation = err.Error()
			failed = true
		} else {
			result.Isolation = "ok"
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Printf("\n%d clients x %d lookups\n\n", clients, queries)
		stats.PrintStats(os.Stdout)
		if isolation {
			mark := ui.RenderPass("✓")
			if result.Isolation != "ok" {
				mark = ui.RenderFail("✗")
			}
			fmt.Printf("\n%s Read isolation: %s\n", mark, result.Isolation)
		}
	}

	if failed {
		os.Exit(1)
	}
}
