package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sb-mirror/sbmirror/internal/api"
	"github.com/sb-mirror/sbmirror/internal/segment"
	"github.com/sb-mirror/sbmirror/internal/store"
	"github.com/sb-mirror/sbmirror/internal/ui"
)

var (
	lookupCategories []string
	lookupService    string
	lookupJSON       bool
)

var lookupCmd = &cobra.Command{
	Use:     "lookup <hashPrefix>",
	GroupID: "mirror",
	Short:   "Query segments by video hash prefix",
	Long: `Query the local store the same way the HTTP API does.

The prefix is the start of the SHA-256 hash of the video id, at least 4 hex
characters long.

Examples:
  sbmirror lookup dead
  sbmirror lookup deadbeef --categories sponsor,selfpromo
  sbmirror lookup dead --service PeerTube --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prefix, err := segment.NormalizePrefix(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		service := lookupService
		if service == "" {
			service = cfg.DefaultService
		}

		st := openStore()
		defer st.Close()

		groups, err := st.FindByHashPrefix(context.Background(), prefix, store.LookupFilter{
			Categories: lookupCategories,
			Service:    service,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error querying store: %v\n", err)
			os.Exit(1)
		}

		if lookupJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(api.NewHashGroupResponses(groups)); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if len(groups) == 0 {
			fmt.Printf("%s No segments for prefix %s\n", ui.RenderMuted("·"), prefix)
			return
		}

		for _, g := range groups {
			fmt.Printf("\n%s %s  %s\n", ui.RenderAccent("▶"), g.VideoID, ui.RenderMuted(g.HashFull))
			for _, s := range g.Segments {
				lock := ""
				if s.Locked {
					lock = ui.RenderPass(" locked")
				}
				fmt.Printf("   %9.2f – %-9.2f %-14s %-6s votes %-4d %s%s\n",
					s.StartTime, s.EndTime, s.Category, s.ActionType, s.Votes, ui.RenderMuted(s.ID), lock)
			}
		}
		fmt.Println()
	},
}

func init() {
	lookupCmd.Flags().StringSliceVar(&lookupCategories, "categories", []string{segment.DefaultCategory}, "Categories to include")
	lookupCmd.Flags().StringVar(&lookupService, "service", "", "Service to query (default from config)")
	lookupCmd.Flags().BoolVar(&lookupJSON, "json", false, "Output the API response body")
	rootCmd.AddCommand(lookupCmd)
}
