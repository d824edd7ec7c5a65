package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/logrelay-dev/logrelay/internal/config"
	"github.com/logrelay-dev/logrelay/internal/heartbeat"
	"github.com/logrelay-dev/logrelay/internal/metrics"
	"github.com/logrelay-dev/logrelay/internal/mux"
	"github.com/logrelay-dev/logrelay/internal/persist"
	"github.com/logrelay-dev/logrelay/internal/preset"
	"github.com/logrelay-dev/logrelay/internal/server"
	"github.com/logrelay-dev/logrelay/internal/session"
	"github.com/logrelay-dev/logrelay/internal/upstream"
	"github.com/logrelay-dev/logrelay/internal/version"
)

func main() {
	// Handle subcommands before flag parsing
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("logrelay %s (%s) built %s\n", version.Version, version.Commit, version.BuildDate)
		return
	}

	var (
		dev        = flag.Bool("dev", false, "run in dev mode")
		token      = flag.String("token", "", "auth token (dev mode)")
		listen     = flag.String("listen", "", "override listen address")
		configPath = flag.String("config", "", "path to config.toml")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("logrelay %s (%s) built %s\n", version.Version, version.Commit, version.BuildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, *dev)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *token != "" {
		cfg.Auth.Token = *token
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	var source upstream.Source
	switch cfg.Upstream.Mode {
	case "sse":
		source = upstream.NewSSESource(cfg.Upstream.Endpoint, cfg.Upstream.Token)
		log.Printf("upstream: sse mode, endpoint %s", cfg.Upstream.Endpoint)
	case "file":
		source = upstream.NewFileSource(cfg.Upstream.FileDir)
		log.Printf("upstream: file mode, tailing %s", cfg.Upstream.FileDir)
	}

	collector := metrics.New()
	collector.Start()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var queue *persist.Queue
	var sink persist.Sink = persist.NopSink{}
	if cfg.Persist.Enabled {
		writer, err := persist.NewPGWriter(cfg.Persist.DSN)
		if err != nil {
			log.Fatalf("persist: %v", err)
		}
		defer writer.Close()
		queue = persist.NewQueue(writer, cfg.Persist.QueueSize, collector.PersistDropped)
		queue.Start(ctx)
		sink = queue
		log.Printf("persist: writing log batches to postgres")
	}

	m := mux.New(mux.Options{
		Source:           source,
		Metrics:          collector,
		Sink:             sink,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		PersistBatchSize: cfg.Stream.PersistBatchSize,
		LogRetry:         upstream.RetryPolicy{MaxAttempts: cfg.Upstream.LogRetryAttempts, Delay: cfg.RetryDelay()},
		ProgressRetry:    upstream.RetryPolicy{MaxAttempts: cfg.Upstream.ProgressRetryAttempts, Delay: cfg.RetryDelay()},
	})

	presets := preset.Empty()
	if cfg.Stream.PresetsPath != "" {
		presets, err = preset.Load(cfg.Stream.PresetsPath)
		if err != nil {
			log.Fatalf("presets: %v", err)
		}
		log.Printf("presets: loaded %d from %s", len(presets.Names()), cfg.Stream.PresetsPath)
	}

	registry := session.NewRegistry(session.Config{
		MaxSessions:   cfg.Sessions.Max,
		IdleTimeout:   cfg.IdleTimeout(),
		SweepInterval: cfg.SweepInterval(),
	}, m, collector)
	registry.Start()

	var hb *heartbeat.Heartbeat
	if cfg.API.Endpoint != "" {
		hb = heartbeat.New(cfg, collector)
		hb.Start(30 * time.Second)
	}

	srv := server.New(cfg, registry, m, presets)

	go func() {
		if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("server: %v", err)
		}
	}()

	log.Printf("logrelay %s started (pid=%d)", version.Version, os.Getpid())

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	registry.Stop()
	m.Shutdown()
	if queue != nil {
		queue.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	collector.Stop()
	log.Println("logrelay stopped")
}
