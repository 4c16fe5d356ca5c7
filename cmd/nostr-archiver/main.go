// Command nostr-archiver runs the append-only archival relay: it ingests
// events from configured upstream relays and an embedded local relay,
// deduplicates them, and persists them to rotating compressed archive
// files, while serving a combined protocol-upgrade and archive-download
// HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"nostr-archiver/internal/compactor"
	"nostr-archiver/internal/config"
	"nostr-archiver/internal/httpapi"
	"nostr-archiver/internal/index"
	"nostr-archiver/internal/ingest"
	"nostr-archiver/internal/logging"
	"nostr-archiver/internal/metrics"
	"nostr-archiver/internal/policy"
	"nostr-archiver/internal/relaystub"
	"nostr-archiver/internal/writer"
)

func main() {
	root := buildCLI()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nostr-archiver [config-path]",
		Short: "Append-only archival relay for a pub/sub event protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	log.Info("starting archiver", logging.String("listen_relay", cfg.ListenRelay), logging.String("out_dir", cfg.OutDir))

	idx, err := index.Open(cfg.OutDir)
	if err != nil {
		return fmt.Errorf("open dedup index: %w", err)
	}
	defer idx.Close()

	if n, err := idx.Len(); err == nil {
		log.Info("dedup index loaded", logging.Int64("entries", n))
	}

	registry := prometheus.NewRegistry()
	metricsRegistry := metrics.New(registry)

	comp := compactor.New(log, metricsRegistry)
	defer comp.Wait()

	w, err := writer.New(cfg.OutDir, time.Now, func(path string) {
		comp.Enqueue(path)
	})
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	defer w.Close()
	w.SetMetrics(metricsRegistry)

	chain := policy.NewChain(
		policy.EphemeralBlock{},
		policy.NewKindAllowlist(cfg.Kinds),
	)

	coordinator, err := ingest.New(ingest.Options{
		Policies: chain,
		Index:    idx,
		Writer:   w,
		Logger:   log,
		Metrics:  metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("build ingest coordinator: %w", err)
	}

	relay := relaystub.NewStubRelay(relaystub.WithSink(coordinator), relaystub.WithLogger(log))
	upstream := relaystub.NewUpstream(cfg.Relays, relaystub.WithUpstreamLogger(log))

	// /metrics is served on the relay listener unless metrics_addr names a
	// dedicated bind, in which case it moves there instead.
	inlineMetrics := metricsRegistry
	var inlineGatherer prometheus.Gatherer = registry
	if cfg.MetricsAddr != "" {
		inlineMetrics = nil
		inlineGatherer = nil
	}
	peerSyncLimiter := httpapi.NewSlidingWindowLimiter(time.Minute, 60, time.Now)
	server := httpapi.New(httpapi.Options{
		OutDir:      cfg.OutDir,
		Index:       idx,
		Relay:       relay,
		Registry:    inlineMetrics,
		Gatherer:    inlineGatherer,
		AdminToken:  cfg.AdminToken,
		Logger:      log,
		RateLimiter: peerSyncLimiter,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenRelay,
		Handler: logging.HTTPTraceMiddleware(log)(server),
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Info("metrics listening", logging.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server error", logging.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		if len(cfg.Relays) > 0 {
			log.Info("subscribing to upstream relays", logging.Int("count", len(cfg.Relays)))
		}
		if err := upstream.Run(ctx, coordinator); err != nil {
			log.Warn("upstream client stopped", logging.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", logging.String("addr", cfg.ListenRelay))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", logging.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", logging.Error(err))
		}
	}

	waitDone := make(chan struct{})
	go func() {
		comp.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-shutdownCtx.Done():
		log.Warn("shutdown grace period elapsed with compactions still running")
	}

	select {
	case <-upstreamDone:
	case <-shutdownCtx.Done():
		log.Warn("shutdown grace period elapsed with upstream client still running")
	}

	log.Info("archiver stopped")
	return nil
}
