package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sb-mirror/sbmirror/internal/daemon"
	"github.com/sb-mirror/sbmirror/internal/sync"
	"github.com/sb-mirror/sbmirror/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "mirror",
	Short:   "Run one download and sync cycle",
	Long: `Download whatever the upstream has beyond the local blob, then apply
everything past the committed offset to the store.

Exits non-zero if the cycle fails. Ctrl+C rolls the sync back; the next run
resumes from the same offset.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st := openStore()
		defer st.Close()

		d, err := daemon.New(st, newDownloader(), newSyncConfig(), newDaemonConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing from %s...\n", ui.RenderAccent("🔄"), cfg.CSVURL)
		start := time.Now()

		result, err := d.RunCycle(ctx)
		if err != nil || result.Err != nil {
			// os.Exit skips the deferred close
			st.Close()
		}
		if err != nil {
			if sync.IsFatal(err) {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
				fmt.Fprintf(os.Stderr, "   Run 'sbmirror reset' to mirror from scratch\n")
			} else {
				fmt.Fprintf(os.Stderr, "Sync interrupted: %v\n", err)
			}
			os.Exit(1)
		}
		if result.Err != nil {
			fmt.Fprintf(os.Stderr, "%s Cycle failed: %v\n", ui.RenderWarn("⚠"), result.Err)
			os.Exit(1)
		}

		count, _ := st.GetSegmentCountContext(ctx)

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Download: %s (%s appended)\n", result.Download.Outcome, humanize.Bytes(uint64(result.Download.Bytes)))
		if result.Sync.UpToDate {
			fmt.Printf("   Store: already up to date\n")
		} else {
			fmt.Printf("   Applied: %d (%d skipped)\n", result.Sync.Applied, result.Sync.Skipped)
		}
		fmt.Printf("   Offset: %s\n", humanize.Comma(result.Sync.Offset))
		fmt.Printf("   Segments: %s\n", humanize.Comma(int64(count)))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
