package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
	"github.com/sb-mirror/sbmirror/internal/ui"
)

var (
	resetYes   bool
	resetStore bool
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maintenance",
	Short:   "Delete the local blob and its sidecars",
	Long: `Delete the mirrored blob together with its offset and validator sidecars,
so the next cycle downloads and applies everything from scratch.

Records already in the store are kept and upserted again, unless --store is
given, which deletes the store as well.

This is the way out after a fatal data corruption error.`,
	Run: func(cmd *cobra.Command, args []string) {
		sidecars := checkpoint.For(cfg.BlobPath())

		if !resetYes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprintf(os.Stderr, "Error: refusing to reset without a terminal; pass --yes\n")
				os.Exit(1)
			}

			confirmed := false
			description := fmt.Sprintf("Deletes %s and its sidecars.", sidecars.BlobPath())
			if resetStore {
				description += fmt.Sprintf("\nAlso deletes the store %s.", cfg.StorePath())
			}
			err := huh.NewConfirm().
				Title("Reset the mirror?").
				Description(description).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		if err := sidecars.Reset(); err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting blob: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Removed %s and sidecars\n", ui.RenderPass("✓"), sidecars.BlobPath())

		if resetStore {
			// WAL mode keeps two companion files next to the database
			for _, path := range []string{cfg.StorePath(), cfg.StorePath() + "-wal", cfg.StorePath() + "-shm"} {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", path, err)
					os.Exit(1)
				}
			}
			fmt.Printf("%s Removed store %s\n", ui.RenderPass("✓"), cfg.StorePath())
		}
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Don't ask for confirmation")
	resetCmd.Flags().BoolVar(&resetStore, "store", false, "Delete the store as well")
	rootCmd.AddCommand(resetCmd)
}
