package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sb-mirror/sbmirror/internal/checkpoint"
	"github.com/sb-mirror/sbmirror/internal/config"
	"github.com/sb-mirror/sbmirror/internal/daemon"
	"github.com/sb-mirror/sbmirror/internal/download"
	"github.com/sb-mirror/sbmirror/internal/logging"
	"github.com/sb-mirror/sbmirror/internal/store"
	"github.com/sb-mirror/sbmirror/internal/sync"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configFile string
	dotEnvFile string

	v      = viper.New()
	cfg    *config.Config
	logOut *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "sbmirror",
	Short: "Local mirror of the SponsorBlock segment database",
	Long: `sbmirror keeps a local copy of the public SponsorBlock sponsorTimes.csv
export, applies it incrementally to an embedded SQLite store and serves
privacy-preserving hash prefix lookups over HTTP.

Data is provided by SponsorBlock (https://sponsor.ajay.app) under
CC BY-NC-SA 4.0.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(dotEnvFile); err != nil {
			return err
		}
		if err := config.Setup(v); err != nil {
			return err
		}
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logOut = logging.Open(logging.Options{
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
			Verbose:    cfg.Verbose,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOut != nil {
			logOut.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "mirror", Title: "Mirror commands:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (any format viper reads)")
	flags.StringVar(&dotEnvFile, "env-file", "", "Environment file to load (default .env)")
	flags.String("data-path", "", "Directory holding the blob, sidecars and store")
	flags.String("csv-url", "", "Upstream sponsorTimes.csv URL")
	flags.Int("sync-interval", 0, "Seconds between sync cycles")
	flags.BoolP("verbose", "v", false, "Enable debug output")

	for key, flag := range map[string]string{
		"data_path":     "data-path",
		"csv_url":       "csv-url",
		"sync_interval": "sync-interval",
		"verbose":       "verbose",
	} {
		// Only flags given on the command line override the other sources
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the store and makes sure its schema exists, exiting on
// failure.
func openStore() *store.Store {
	st, err := openStoreErr()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return st
}

func openStoreErr() (*store.Store, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

func newDownloader() *download.Downloader {
	return download.New(&download.Config{
		ContentType: cfg.ContentType,
		UserAgent:   download.UserAgent(Version),
		Logger:      logOut.Logger("download"),
		DebugLogger: logOut.DebugLogger("download"),
	})
}

func newSyncConfig() *sync.Config {
	return &sync.Config{
		RewindMargin:           cfg.RewindMargin,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ProgressEvery:          cfg.ProgressEvery,
		Logger:                 logOut.Logger("sync"),
		DebugLogger:            logOut.DebugLogger("sync"),
	}
}

func newDaemonConfig() *daemon.Config {
	return &daemon.Config{
		URL:          cfg.CSVURL,
		BlobPath:     cfg.BlobPath(),
		Interval:     cfg.Interval(),
		SnapshotName: config.SnapshotName,
		Logger:       logOut.Logger("daemon"),
	}
}

// committedOffset reads the offset sidecar; 0 when nothing is committed.
func committedOffset() (int64, error) {
	offset, _, err := checkpoint.For(cfg.BlobPath()).Offset()
	return offset, err
}
