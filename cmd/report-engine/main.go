// Command report-engine runs the scheduled-report dispatcher and rule
// automation engine for the reporting admin console.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pinebi/report-engine/internal/analytics"
	"github.com/pinebi/report-engine/internal/api"
	"github.com/pinebi/report-engine/internal/config"
	"github.com/pinebi/report-engine/internal/cron"
	"github.com/pinebi/report-engine/internal/dispatch"
	"github.com/pinebi/report-engine/internal/engine"
	"github.com/pinebi/report-engine/internal/leaderelection"
	"github.com/pinebi/report-engine/internal/ledger"
	"github.com/pinebi/report-engine/internal/metrics"
	"github.com/pinebi/report-engine/internal/reconciler"
	"github.com/pinebi/report-engine/internal/recurrence"
	"github.com/pinebi/report-engine/internal/report"
	"github.com/pinebi/report-engine/internal/store/postgres"
)

var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := serve(); err != nil {
			log.Fatalf("main: %v", err)
		}
	case "validate":
		if _, err := config.Load(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("configuration is valid")
	case "config":
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(cfg.MaskedJSON())
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "usage: report-engine [serve|validate|config|version]\n")
		os.Exit(2)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Printf("main: starting report-engine %s", version)
	log.Printf("main: configuration:\n%s", cfg.MaskedJSON())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	// Metrics.
	var sink metrics.Sink = metrics.NewNoopSink()
	registry := prometheus.NewRegistry()
	if cfg.MetricsEnabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink = metrics.NewPrometheusSink(registry)
	}

	// Delivery pipeline.
	reportClient := report.NewHTTPClient(cfg.ReportAPIBaseURL, cfg.ReportAPIUsername, cfg.ReportAPIPassword, cfg.ReportAPITimeout)
	emailSender := dispatch.NewGomailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	breaker := dispatch.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)

	dispatcher := dispatch.New(dispatch.NewHTTPWebhookSender(), emailSender, store, reportClient).
		WithBreaker(breaker).
		WithMetrics(sink)

	// Engine.
	calc := recurrence.NewCalculator(cron.NewParser())
	led := ledger.New(store, cfg.DedupWindow)

	eng := engine.New(engine.Config{
		TickInterval:     cfg.TickInterval,
		Workers:          cfg.Workers,
		BatchSize:        cfg.BatchSize,
		LeaseTTL:         cfg.LeaseTTL,
		CatchUpPolicy:    engine.CatchUpPolicy(cfg.CatchUpPolicy),
		CatchUpGrace:     cfg.CatchUpGrace,
		RuleScanInterval: cfg.RuleScanInterval,
		RuleWindow:       cfg.RuleWindow,
		FetchBackoff:     cfg.FetchBackoff(),
		InstanceID:       cfg.InstanceID,
	}, store, reportClient, calc, dispatcher, led).WithMetrics(sink)

	// Optional Redis analytics.
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("main: redis unreachable, analytics disabled: %v", err)
		} else {
			eng.WithAnalytics(analytics.NewRedisSink(rdb))
		}
	}

	reaper := reconciler.New(reconciler.Config{
		Interval:        cfg.ReaperInterval,
		BatchSize:       cfg.ReaperBatchSize,
		LedgerRetention: cfg.LedgerRetention,
	}, store).WithMetrics(sink)

	// HTTP: status API plus metrics.
	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(store, eng))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("main: http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("main: http server: %v", err)
			stop()
		}
	}()

	runEngine := func(ctx context.Context) {
		var inner sync.WaitGroup
		inner.Add(2)
		go func() {
			defer inner.Done()
			eng.Run(ctx)
		}()
		go func() {
			defer inner.Done()
			reaper.Run(ctx)
		}()
		inner.Wait()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if cfg.LeaderElection {
			elector := leaderelection.New(leaderelection.Config{LockKey: cfg.LeaderLockKey}, store.DB())
			elector.Run(ctx, runEngine)
			return
		}
		runEngine(ctx)
	}()

	<-ctx.Done()
	log.Println("main: shutdown signal received")

	// The HTTP server drains first so run-now requests in flight can
	// finish against a live engine.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: http shutdown: %v", err)
	}

	wg.Wait()
	log.Println("main: stopped")
	return nil
}
