package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sb-mirror/sbmirror/internal/api"
	"github.com/sb-mirror/sbmirror/internal/cache"
	"github.com/sb-mirror/sbmirror/internal/daemon"
	"github.com/sb-mirror/sbmirror/internal/events"
	"github.com/sb-mirror/sbmirror/internal/snapshot"
	"github.com/sb-mirror/sbmirror/internal/sync"
	"github.com/sb-mirror/sbmirror/internal/tracing"
	"github.com/sb-mirror/sbmirror/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "mirror",
	Short:   "Run the ingestion loop and the lookup API",
	Long: `Run the mirror: download and sync the upstream blob every sync interval
while serving lookups from the last committed state.

Endpoints:
  GET /api/skipSegments/{hashPrefix}?categories=["sponsor"]&service=YouTube
  GET /lookup/{hashPrefix}     (alias)
  GET /health
  GET /ws                      (ingestion events)

Optional integrations, enabled by configuration:
  redis_addr      cache lookup responses
  otlp_endpoint   export traces over OTLP/HTTP
  s3_endpoint     publish a store snapshot after every commit

Press Ctrl+C to stop. An in-flight sync is rolled back and resumes from the
same offset on the next start.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			if sync.IsFatal(err) {
				fmt.Fprintf(os.Stderr, "%s Stopping: %v\n", ui.RenderFail("✗"), err)
				fmt.Fprintf(os.Stderr, "   Inspect the blob, then run 'sbmirror reset' to mirror from scratch\n")
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
	},
}

// runServe runs until the context is cancelled or a component fails. Every
// deferred cleanup has run by the time it returns, so traces are flushed and
// the store is checkpointed even when the caller exits non-zero.
func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logOut.Logger("serve")

	shutdownTracing, err := tracing.Init(ctx, "sbmirror", Version, cfg.OTLPEndpoint, logOut.Logger("tracing"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("Error flushing traces: %v", err)
		}
	}()

	st, err := openStoreErr()
	if err != nil {
		return err
	}
	defer st.Close()

	hub := events.NewHub(&events.Config{Logger: logOut.Logger("events")})
	hub.Start()
	defer hub.Stop()

	apiConfig := &api.Config{
		DefaultService: cfg.DefaultService,
		Offset:         committedOffset,
		Events:         hub,
		AccessLog:      logOut.Writer(),
		Logger:         logOut.Logger("api"),
		DebugLogger:    logOut.DebugLogger("api"),
	}
	if cfg.RedisAddr != "" {
		lookupCache, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisTTL)
		if err != nil {
			logger.Printf("Warning: lookup cache disabled: %v", err)
		} else {
			defer lookupCache.Close()
			apiConfig.Cache = lookupCache
		}
	}
	server := api.New(st, apiConfig)

	daemonConfig := newDaemonConfig()
	daemonConfig.Watch = true
	daemonConfig.Observer = events.NewHandler(hub)
	if cfg.SnapshotsEnabled() {
		publisher, err := snapshot.New(ctx, &snapshot.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Logger:    logOut.Logger("snapshot"),
		})
		if err != nil {
			logger.Printf("Warning: snapshot publishing disabled: %v", err)
		} else {
			daemonConfig.Publisher = publisher
			daemonConfig.SnapshotDir = cfg.SnapshotsPath()
		}
	}

	d, err := daemon.New(st, newDownloader(), newSyncConfig(), daemonConfig)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	fmt.Printf("%s sbmirror %s\n", ui.RenderAccent("▶"), Version)
	fmt.Printf("   Upstream: %s\n", cfg.CSVURL)
	fmt.Printf("   Data: %s\n", cfg.DataPath)
	fmt.Printf("   Listening: %s\n", cfg.Listen)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Listen)
	})
	g.Go(func() error {
		return d.Run(gctx)
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
