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

	"github.com/openwardrive/netatlas/internal/config"
	"github.com/openwardrive/netatlas/internal/importer"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/oui"
	"github.com/openwardrive/netatlas/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		dbPath     = flag.String("db", "", "Database file (overrides configuration)")
		serveAddr  = flag.String("obs", "", "Serve /metrics and /healthz on this address during the import")
		quiet      = flag.Bool("quiet", false, "Suppress progress output")
	)
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: netatlas-import [flags] <capture-file> [capture-file...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dbPath != "" {
		cfg.DatabaseFile = *dbPath
	}

	logger := observability.NewLogger(cfg.LogLevel, observability.WithJSON(cfg.LogJSON))
	metrics := observability.NewMetrics()

	if *serveAddr != "" {
		srv := observability.NewServer(observability.ServerConfig{
			Address: *serveAddr,
			Logger:  logger,
			Metrics: metrics,
		})
		go srv.Run(ctx)
	}

	db, err := store.Open(store.Config{
		Path:            cfg.DatabaseFile,
		CacheTTL:        time.Duration(cfg.CacheTTLSeconds) * time.Second,
		CacheMaxEntries: cfg.CacheMaxEntries,
	},
		store.WithLogger(logger),
		store.WithMetrics(metrics),
		store.WithManufacturerLookup(oui.Lookup),
	)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	opts := []importer.Option{
		importer.WithLogger(logger),
		importer.WithMetrics(metrics),
		importer.WithBatchSize(cfg.ImportBatchSize),
	}
	if !*quiet {
		opts = append(opts, importer.WithProgress(func(state importer.State, percent float64, message string) {
			fmt.Printf("[%s] %5.1f%% %s\n", state, percent, message)
		}))
	}
	svc := importer.New(db, opts...)

	exitCode := 0
	for _, file := range files {
		result, err := svc.ImportFile(ctx, file)
		if err != nil {
			log.Printf("import %s: %v", file, err)
			exitCode = 1
			continue
		}

		fmt.Printf("%s: %d new, %d updated, %d observations\n",
			file, result.NetworksImported, result.NetworksUpdated, result.ObservationsAdded)
		for _, msg := range result.Errors {
			fmt.Printf("  warning: %s\n", msg)
		}
	}

	if err := db.RunMaintenance(ctx); err != nil {
		log.Printf("maintenance: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
	os.Exit(exitCode)
}
