package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openwardrive/netatlas/internal/config"
	"github.com/openwardrive/netatlas/internal/geo"
	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration file")
		dbPath     = flag.String("db", "", "Database file (overrides configuration)")
		ssid       = flag.String("ssid", "", "Filter by SSID substring")
		bssid      = flag.String("bssid", "", "Look up a single network by BSSID")
		encs       = flag.String("enc", "", "Filter by encryption, comma separated (Open,WEP,WPA,WPA2,WPA3,Unknown)")
		types      = flag.String("type", "", "Filter by network type, comma separated (WIFI,BLE,LTE)")
		bounds     = flag.String("bounds", "", "Viewport bounds as north,south,east,west")
		since      = flag.String("since", "", "Only networks last seen on or after this date (YYYY-MM-DD)")
		until      = flag.String("until", "", "Only networks last seen on or before this date (YYYY-MM-DD)")
		minSignal  = flag.Int("min-signal", 0, "Minimum best signal in dBm (negative value)")
		limit      = flag.Int("limit", 0, "Maximum number of networks to print (0 = all)")
		offset     = flag.Int("offset", 0, "Number of matching networks to skip")
		withObs    = flag.Bool("observations", false, "With -bssid, list the network's observations and spread radius")
		showStats  = flag.Bool("stats", false, "Print dataset statistics and exit")
		clear      = flag.Bool("clear", false, "Delete all stored networks and observations (requires -yes)")
		yes        = flag.Bool("yes", false, "Confirm destructive operations")
	)
	flag.Parse()

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

	db, err := store.Open(store.Config{
		Path:            cfg.DatabaseFile,
		CacheTTL:        time.Duration(cfg.CacheTTLSeconds) * time.Second,
		CacheMaxEntries: cfg.CacheMaxEntries,
	}, store.WithLogger(logger))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	switch {
	case *clear:
		if !*yes {
			log.Fatal("refusing to clear the store without -yes")
		}
		if err := db.ClearAll(ctx); err != nil {
			log.Fatalf("clear: %v", err)
		}
		fmt.Println("all networks and observations deleted")

	case *showStats:
		printStats(ctx, db)

	case *bssid != "" && *withObs:
		printObservations(ctx, db, *bssid)

	default:
		filter, err := buildFilter(*ssid, *bssid, *encs, *types, *bounds, *since, *until, *minSignal, *limit, *offset)
		if err != nil {
			log.Fatalf("invalid filter: %v", err)
		}
		networks, err := db.Networks(ctx, filter)
		if err != nil {
			log.Fatalf("query: %v", err)
		}
		printNetworks(networks)
	}
}

func buildFilter(ssid, bssid, encs, types, bounds, since, until string, minSignal, limit, offset int) (model.NetworkFilter, error) {
	filter := model.NetworkFilter{SSID: ssid, BSSID: bssid, Limit: limit, Offset: offset}

	if encs != "" {
		filter.Encryption = splitList(encs)
	}
	for _, t := range splitList(types) {
		filter.Types = append(filter.Types, model.NetworkType(strings.ToUpper(t)))
	}

	if bounds != "" {
		parts := splitList(bounds)
		if len(parts) != 4 {
			return filter, errors.New("bounds must be north,south,east,west")
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return filter, fmt.Errorf("bounds value %q: %w", p, err)
			}
			vals[i] = v
		}
		filter.Bounds = &model.Bounds{North: vals[0], South: vals[1], East: vals[2], West: vals[3]}
	}

	if since != "" || until != "" {
		dr := &model.DateRange{Start: time.Unix(0, 0), End: time.Now()}
		if since != "" {
			t, err := time.Parse("2006-01-02", since)
			if err != nil {
				return filter, fmt.Errorf("since: %w", err)
			}
			dr.Start = t
		}
		if until != "" {
			t, err := time.Parse("2006-01-02", until)
			if err != nil {
				return filter, fmt.Errorf("until: %w", err)
			}
			dr.End = t.Add(24*time.Hour - time.Nanosecond)
		}
		filter.DateRange = dr
	}

	if minSignal != 0 {
		filter.MinSignal = &minSignal
	}

	return filter, nil
}

func printNetworks(networks []model.Network) {
	if len(networks) == 0 {
		fmt.Println("no networks matched")
		return
	}

	for _, n := range networks {
		channel := "-"
		if n.Channel != nil {
			channel = strconv.Itoa(*n.Channel)
		}
		ssid := n.SSID
		if ssid == "" {
			ssid = "<hidden>"
		}
		fmt.Printf("%-17s  %-4s  %-32s  %-7s  ch %-3s  %4d dBm  %3d obs  %9.5f,%10.5f  %s\n",
			n.BSSID, n.Type, ssid, n.Encryption, channel, n.BestSignal,
			n.ObservationCount, n.BestLat, n.BestLon,
			n.LastSeen.Format("2006-01-02 15:04"))
	}
	fmt.Printf("%d networks\n", len(networks))
}

func printObservations(ctx context.Context, db *store.Store, bssid string) {
	network, err := db.NetworkByBSSID(ctx, bssid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Fatalf("no network with BSSID %s", bssid)
		}
		log.Fatalf("lookup: %v", err)
	}

	observations, err := db.ObservationsForNetwork(ctx, network.ID)
	if err != nil {
		log.Fatalf("observations: %v", err)
	}

	fmt.Printf("%s (%s) at %.5f,%.5f\n", network.BSSID, network.SSID, network.BestLat, network.BestLon)
	for _, o := range observations {
		fmt.Printf("  %s  %9.5f,%10.5f  %4d dBm\n",
			o.Timestamp.Format("2006-01-02 15:04:05"), o.Latitude, o.Longitude, o.SignalStrength)
	}

	radius := geo.SpreadRadius(observations, geo.Position{
		Latitude:  network.BestLat,
		Longitude: network.BestLon,
	})
	fmt.Printf("%d observations, spread radius %.0f m\n", len(observations), radius)
}

func printStats(ctx context.Context, db *store.Store) {
	stats, err := db.Stats(ctx)
	if err != nil {
		log.Fatalf("stats: %v", err)
	}

	fmt.Printf("networks:     %d\n", stats.TotalNetworks)
	fmt.Printf("observations: %d\n", stats.TotalObservations)
	fmt.Println("by type:")
	for key, count := range stats.ByType {
		fmt.Printf("  %-8s %d\n", key, count)
	}
	fmt.Println("by encryption:")
	for key, count := range stats.ByEncryption {
		fmt.Printf("  %-8s %d\n", key, count)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
