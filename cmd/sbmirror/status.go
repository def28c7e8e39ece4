package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
	"github.com/sb-mirror/sbmirror/internal/store"
	"github.com/sb-mirror/sbmirror/internal/ui"
)

type importStatus struct {
	TotalSize  int64     `yaml:"total_size"`
	Validator  string    `yaml:"validator,omitempty"`
	ImportedAt time.Time `yaml:"imported_at"`
	Header     string    `yaml:"header,omitempty"`
}

type mirrorStatus struct {
	DataPath   string        `yaml:"data_path"`
	BlobSize   int64         `yaml:"blob_size"`
	Offset     int64         `yaml:"offset"`
	Pending    int64         `yaml:"pending_bytes"`
	Validator  string        `yaml:"validator,omitempty"`
	Segments   int           `yaml:"segments"`
	Imports    int           `yaml:"imports"`
	LastImport *importStatus `yaml:"last_import,omitempty"`
}

var statusYAML bool

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "mirror",
	Short:   "Show mirror status",
	Long: `Display the state of the local mirror.

Shows:
  - Blob size and committed offset (bytes not yet applied)
  - Upstream validator of the last complete download
  - Number of segments in the store
  - The most recent import ledger entry`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		sidecars := checkpoint.For(cfg.BlobPath())

		status := mirrorStatus{DataPath: cfg.DataPath}

		if info, err := os.Stat(sidecars.BlobPath()); err == nil {
			status.BlobSize = info.Size()
		} else if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error checking blob: %v\n", err)
			os.Exit(1)
		}

		offset, _, err := sidecars.Offset()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading offset: %v\n", err)
			os.Exit(1)
		}
		status.Offset = offset
		status.Pending = status.BlobSize - offset

		if status.Validator, err = sidecars.Validator(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading validator: %v\n", err)
			os.Exit(1)
		}

		storeExists := true
		if _, err := os.Stat(cfg.StorePath()); os.IsNotExist(err) {
			storeExists = false
		} else {
			st := openStore()
			defer st.Close()
			if err := loadStoreStatus(ctx, st, &status); err != nil {
				fmt.Fprintf(os.Stderr, "Error reading store: %v\n", err)
				os.Exit(1)
			}
		}

		if statusYAML {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(status); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
			enc.Close()
			return
		}

		fmt.Printf("\n%s Mirror Status\n\n", ui.RenderAccent("📊"))
		if !storeExists {
			fmt.Printf("%s Store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'sbmirror sync' to create it\n\n")
		}

		validator := status.Validator
		if validator == "" {
			validator = ui.RenderMuted("(none)")
		}
		fields := []ui.Field{
			{Label: "Data", Value: status.DataPath},
			{Label: "Blob", Value: humanize.Bytes(uint64(status.BlobSize))},
			{Label: "Offset", Value: humanize.Comma(status.Offset)},
			{Label: "Pending", Value: humanize.Bytes(uint64(max(status.Pending, 0)))},
			{Label: "Validator", Value: validator},
			{Label: "Segments", Value: humanize.Comma(int64(status.Segments))},
			{Label: "Imports", Value: humanize.Comma(int64(status.Imports))},
		}
		if last := status.LastImport; last != nil {
			fields = append(fields, ui.Field{
				Label: "Last import",
				Value: fmt.Sprintf("%s (%s)", humanize.Time(last.ImportedAt), humanize.Bytes(uint64(last.TotalSize))),
			})
		}
		fmt.Println(ui.RenderFields(fields))

		if status.Pending < 0 {
			fmt.Printf("\n%s Committed offset is past the end of the blob; run 'sbmirror reset'\n", ui.RenderFail("✗"))
		}
		fmt.Println()
	},
}

func loadStoreStatus(ctx context.Context, st *store.Store, status *mirrorStatus) error {
	var err error
	if status.Segments, err = st.GetSegmentCountContext(ctx); err != nil {
		return err
	}
	if status.Imports, err = st.GetImportCount(ctx); err != nil {
		return err
	}

	last, err := st.LastImport(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		status.LastImport = &importStatus{
			TotalSize:  last.TotalSize,
			Validator:  last.Validator,
			ImportedAt: last.ImportedAt,
			Header:     last.Header,
		}
	}
	return nil
}

func init() {
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Output status as YAML")
	rootCmd.AddCommand(statusCmd)
}
