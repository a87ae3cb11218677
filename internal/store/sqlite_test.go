package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	_ "modernc.org/sqlite"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/oui"
	"github.com/openwardrive/netatlas/internal/store"
	"github.com/openwardrive/netatlas/internal/validate"
)

func openTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()

	opts = append([]store.Option{store.WithLogger(observability.NoOpLogger())}, opts...)
	s, err := store.Open(store.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func wifiItem(bssid string, lat, lon float64, signal int, ts time.Time) model.BatchItem {
	return model.BatchItem{
		Network: model.NetworkInput{
			BSSID:      bssid,
			SSID:       "TestNet",
			Encryption: model.EncryptionWPA2,
			Type:       model.TypeWiFi,
		},
		Observation: model.ObservationInput{
			Latitude:       lat,
			Longitude:      lon,
			SignalStrength: signal,
			Timestamp:      ts,
		},
	}
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

	item := wifiItem("AA:BB:CC:DD:EE:FF", 10, 20, -80, base)
	created, err := s.UpsertObservation(ctx, item.Network, item.Observation)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create the network")
	}

	item2 := wifiItem("AA:BB:CC:DD:EE:FF", 12, 24, -40, base.Add(time.Hour))
	created, err = s.UpsertObservation(ctx, item2.Network, item2.Observation)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("second upsert must update, not create")
	}

	n, err := s.NetworkByBSSID(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if n.ObservationCount != 2 {
		t.Errorf("ObservationCount = %d, want 2", n.ObservationCount)
	}
	if n.BestSignal != -40 {
		t.Errorf("BestSignal = %d, want the strongest reading -40", n.BestSignal)
	}
	if !n.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want %v", n.FirstSeen, base)
	}
	if !n.LastSeen.Equal(base.Add(time.Hour)) {
		t.Errorf("LastSeen = %v, want %v", n.LastSeen, base.Add(time.Hour))
	}

	// -80 weighs 6400, -40 weighs 1600: the position leans towards the
	// weaker-signal point 4:1.
	wantLat := (10.0*6400 + 12.0*1600) / 8000
	if diff := n.BestLat - wantLat; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("BestLat = %v, want %v", n.BestLat, wantLat)
	}

	observations, err := s.ObservationsForNetwork(ctx, n.ID)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observations))
	}
}

func TestBatchImportRecoversFromBadItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

	items := []model.BatchItem{
		wifiItem("AA:BB:CC:DD:EE:01", 10, 20, -60, ts),
		wifiItem("not-a-mac", 10, 20, -60, ts),
		wifiItem("AA:BB:CC:DD:EE:02", 11, 21, -65, ts),
		wifiItem("AA:BB:CC:DD:EE:01", 10.001, 20.001, -55, ts.Add(time.Minute)),
		wifiItem("AA:BB:CC:DD:EE:03", 91, 21, -65, ts),
	}

	result, err := s.BatchImport(ctx, items)
	if err != nil {
		t.Fatalf("BatchImport: %v", err)
	}

	if result.NetworksImported != 2 {
		t.Errorf("NetworksImported = %d, want 2", result.NetworksImported)
	}
	if result.NetworksUpdated != 1 {
		t.Errorf("NetworksUpdated = %d, want 1", result.NetworksUpdated)
	}
	if result.ObservationsAdded != 3 {
		t.Errorf("ObservationsAdded = %d, want 3", result.ObservationsAdded)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 entries", result.Errors)
	}
}

func TestBatchImportAcceptsLTEIdentifiers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	items := []model.BatchItem{{
		Network: model.NetworkInput{
			BSSID: "310410_12345_678",
			SSID:  "Carrier",
			Type:  model.TypeLTE,
		},
		Observation: model.ObservationInput{
			Latitude:       40.7,
			Longitude:      -74.0,
			SignalStrength: -95,
			Timestamp:      time.Now(),
		},
	}}

	result, err := s.BatchImport(ctx, items)
	if err != nil {
		t.Fatalf("BatchImport: %v", err)
	}
	if result.NetworksImported != 1 || len(result.Errors) != 0 {
		t.Fatalf("LTE identifier rejected: %+v", result)
	}
}

func TestNetworkFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

	seed := []model.BatchItem{
		{
			Network:     model.NetworkInput{BSSID: "AA:BB:CC:DD:EE:01", SSID: "CoffeeShop", Encryption: model.EncryptionOpen, Type: model.TypeWiFi},
			Observation: model.ObservationInput{Latitude: 10, Longitude: 20, SignalStrength: -50, Timestamp: ts},
		},
		{
			Network:     model.NetworkInput{BSSID: "AA:BB:CC:DD:EE:02", SSID: "HomeNet", Encryption: model.EncryptionWPA2, Type: model.TypeWiFi},
			Observation: model.ObservationInput{Latitude: 30, Longitude: 40, SignalStrength: -80, Timestamp: ts.Add(time.Hour)},
		},
		{
			Network:     model.NetworkInput{BSSID: "AA:BB:CC:DD:EE:03", SSID: "Beacon", Encryption: model.EncryptionUnknown, Type: model.TypeBLE},
			Observation: model.ObservationInput{Latitude: 10.001, Longitude: 20.001, SignalStrength: -90, Timestamp: ts.Add(2 * time.Hour)},
		},
	}
	if _, err := s.BatchImport(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		name   string
		filter model.NetworkFilter
		want   int
	}{
		{"no filter", model.NetworkFilter{}, 3},
		{"ssid substring", model.NetworkFilter{SSID: "offee"}, 1},
		{"bssid substring", model.NetworkFilter{BSSID: "EE:02"}, 1},
		{"bssid substring shared prefix", model.NetworkFilter{BSSID: "AA:BB:CC"}, 3},
		{"encryption", model.NetworkFilter{Encryption: []string{model.EncryptionWPA2}}, 1},
		{"type ble", model.NetworkFilter{Types: []model.NetworkType{model.TypeBLE}}, 1},
		{"bounds", model.NetworkFilter{Bounds: &model.Bounds{North: 11, South: 9, East: 21, West: 19}}, 2},
		{"min signal", model.NetworkFilter{MinSignal: intPtr(-60)}, 1},
		{"date range", model.NetworkFilter{DateRange: &model.DateRange{Start: ts.Add(30 * time.Minute), End: ts.Add(3 * time.Hour)}}, 2},
		{"conjunction", model.NetworkFilter{
			Bounds: &model.Bounds{North: 11, South: 9, East: 21, West: 19},
			Types:  []model.NetworkType{model.TypeWiFi},
		}, 1},
		{"limit", model.NetworkFilter{Limit: 2}, 2},
		{"offset", model.NetworkFilter{Offset: 1}, 2},
		{"limit and offset", model.NetworkFilter{Limit: 1, Offset: 2}, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			networks, err := s.Networks(ctx, tc.filter)
			if err != nil {
				t.Fatalf("Networks: %v", err)
			}
			if len(networks) != tc.want {
				t.Fatalf("got %d networks, want %d", len(networks), tc.want)
			}
		})
	}
}

func TestNetworkByBSSIDNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.NetworkByBSSID(context.Background(), "00:00:00:00:00:00")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManufacturerResolvedOnFirstSight(t *testing.T) {
	s := openTestStore(t, store.WithManufacturerLookup(oui.Lookup))
	ctx := context.Background()

	item := wifiItem("F0:EE:7A:12:34:56", 10, 20, -60, time.Now())
	if _, err := s.UpsertObservation(ctx, item.Network, item.Observation); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.NetworkByBSSID(ctx, "F0:EE:7A:12:34:56")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n.Manufacturer != "Apple, Inc." {
		t.Errorf("Manufacturer = %q, want Apple, Inc.", n.Manufacturer)
	}
}

func TestUpsertNormalizesBSSID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

	// The same MAC in two separator styles must land on one row.
	first := wifiItem("f0-ee-7a-12-34-56", 10, 20, -60, ts)
	created, err := s.UpsertObservation(ctx, first.Network, first.Observation)
	if err != nil {
		t.Fatalf("dashed upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create the network")
	}

	second := wifiItem("F0:EE:7A:12:34:56", 10.001, 20.001, -55, ts.Add(time.Minute))
	created, err = s.UpsertObservation(ctx, second.Network, second.Observation)
	if err != nil {
		t.Fatalf("colon upsert: %v", err)
	}
	if created {
		t.Fatal("canonical form of the same MAC must update, not create")
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalNetworks != 1 {
		t.Fatalf("TotalNetworks = %d, want 1", stats.TotalNetworks)
	}

	n, err := s.NetworkByBSSID(ctx, "F0:EE:7A:12:34:56")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n.BSSID != "F0:EE:7A:12:34:56" {
		t.Errorf("stored BSSID = %q, want canonical colon-grouped uppercase", n.BSSID)
	}
	if n.ObservationCount != 2 {
		t.Errorf("ObservationCount = %d, want 2", n.ObservationCount)
	}
}

func TestUpsertSanitizesSSID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := wifiItem("AA:BB:CC:DD:EE:FF", 10, 20, -60, time.Now())
	item.Network.SSID = "  " + strings.Repeat("x", 64) + "  "
	if _, err := s.UpsertObservation(ctx, item.Network, item.Observation); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.NetworkByBSSID(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n.SSID != strings.Repeat("x", 32) {
		t.Errorf("stored SSID = %q, want trimmed and capped at 32 bytes", n.SSID)
	}
}

func TestUpsertInvalidBSSIDIsValidationError(t *testing.T) {
	s := openTestStore(t)

	item := wifiItem("not-a-mac", 10, 20, -60, time.Now())
	_, err := s.UpsertObservation(context.Background(), item.Network, item.Observation)
	if err == nil {
		t.Fatal("expected error for malformed BSSID")
	}
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
	if verr.Field != "bssid" {
		t.Errorf("ValidationError field = %q, want bssid", verr.Field)
	}
}

func TestFirstSeenImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

	item := wifiItem("AA:BB:CC:DD:EE:FF", 10, 20, -60, base)
	if _, err := s.UpsertObservation(ctx, item.Network, item.Observation); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// An out-of-order import delivers an older sighting; first_seen stays put.
	earlier := wifiItem("AA:BB:CC:DD:EE:FF", 10.001, 20.001, -55, base.Add(-time.Hour))
	if _, err := s.UpsertObservation(ctx, earlier.Network, earlier.Observation); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.NetworkByBSSID(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !n.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want unchanged %v", n.FirstSeen, base)
	}
}

func TestManufacturerRefreshedOnUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := wifiItem("AA:BB:CC:DD:EE:FF", 10, 20, -60, time.Now())
	if _, err := s.UpsertObservation(ctx, item.Network, item.Observation); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	resolved := wifiItem("AA:BB:CC:DD:EE:FF", 10.001, 20.001, -55, time.Now())
	resolved.Network.Manufacturer = "Acme Networks"
	if _, err := s.UpsertObservation(ctx, resolved.Network, resolved.Observation); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.NetworkByBSSID(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if n.Manufacturer != "Acme Networks" {
		t.Errorf("Manufacturer = %q, want refreshed value", n.Manufacturer)
	}
}

func TestMigrationCreatesIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexed.db")

	s, err := store.Open(store.Config{Path: path}, store.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='index' AND name LIKE 'idx_%'`)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan index name: %v", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate indexes: %v", err)
	}

	for _, want := range []string{
		"idx_networks_position",
		"idx_networks_last_seen",
		"idx_networks_ssid",
		"idx_networks_type",
		"idx_observations_network",
		"idx_observations_timestamp",
	} {
		if !have[want] {
			t.Errorf("index %s missing, have %v", want, have)
		}
	}
}

func TestMigrationAddsTypeColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.db")

	// A database created before multi-radio support: no type column.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE networks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            bssid TEXT NOT NULL UNIQUE,
            ssid TEXT NOT NULL DEFAULT '',
            encryption TEXT NOT NULL DEFAULT 'Unknown',
            channel INTEGER,
            manufacturer TEXT NOT NULL DEFAULT '',
            first_seen INTEGER NOT NULL,
            last_seen INTEGER NOT NULL,
            observation_count INTEGER NOT NULL DEFAULT 0,
            best_lat REAL NOT NULL DEFAULT 0,
            best_lon REAL NOT NULL DEFAULT 0,
            best_signal INTEGER NOT NULL DEFAULT -120
        )`,
		`INSERT INTO networks (bssid, ssid, first_seen, last_seen) VALUES ('AA:BB:CC:DD:EE:FF', 'Old', 0, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy schema: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw db: %v", err)
	}

	s, err := store.Open(store.Config{Path: path}, store.WithLogger(observability.NoOpLogger()))
	if err != nil {
		t.Fatalf("open store over legacy db: %v", err)
	}
	defer s.Close()

	n, err := s.NetworkByBSSID(context.Background(), "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("lookup migrated row: %v", err)
	}
	if n.Type != model.TypeWiFi {
		t.Errorf("migrated row Type = %q, want default WIFI", n.Type)
	}
}

func TestClearAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := wifiItem("AA:BB:CC:DD:EE:FF", 10, 20, -60, time.Now())
	if _, err := s.UpsertObservation(ctx, item.Network, item.Observation); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalNetworks != 0 || stats.TotalObservations != 0 {
		t.Fatalf("store not empty after clear: %+v", stats)
	}
}

func TestStatsGrouping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	seed := []model.BatchItem{
		{
			Network:     model.NetworkInput{BSSID: "AA:BB:CC:DD:EE:01", Encryption: model.EncryptionWPA2, Type: model.TypeWiFi},
			Observation: model.ObservationInput{Latitude: 1, Longitude: 1, SignalStrength: -60, Timestamp: ts},
		},
		{
			Network:     model.NetworkInput{BSSID: "AA:BB:CC:DD:EE:02", Encryption: model.EncryptionWPA2, Type: model.TypeWiFi},
			Observation: model.ObservationInput{Latitude: 2, Longitude: 2, SignalStrength: -60, Timestamp: ts},
		},
		{
			Network:     model.NetworkInput{BSSID: "AA:BB:CC:DD:EE:03", Encryption: model.EncryptionOpen, Type: model.TypeBLE},
			Observation: model.ObservationInput{Latitude: 3, Longitude: 3, SignalStrength: -60, Timestamp: ts},
		},
	}
	if _, err := s.BatchImport(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalNetworks != 3 || stats.TotalObservations != 3 {
		t.Fatalf("totals = %+v", stats)
	}
	if stats.ByType["WIFI"] != 2 || stats.ByType["BLE"] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if stats.ByEncryption[model.EncryptionWPA2] != 2 || stats.ByEncryption[model.EncryptionOpen] != 1 {
		t.Errorf("ByEncryption = %v", stats.ByEncryption)
	}
}

func TestBulkImport(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk import test skipped in short mode")
	}

	s := openTestStore(t)
	ctx := context.Background()

	const count = 500
	items := make([]model.BatchItem, count)
	for i := range items {
		items[i] = model.BatchItem{
			Network: model.NetworkInput{
				BSSID:      fmt.Sprintf("AA:BB:CC:%02X:%02X:%02X", i>>16&0xFF, i>>8&0xFF, i&0xFF),
				SSID:       gofakeit.Word(),
				Encryption: model.EncryptionWPA2,
				Type:       model.TypeWiFi,
			},
			Observation: model.ObservationInput{
				Latitude:       gofakeit.Latitude(),
				Longitude:      gofakeit.Longitude(),
				SignalStrength: -gofakeit.Number(30, 95),
				Timestamp:      time.Now(),
			},
		}
	}

	result, err := s.BatchImport(ctx, items)
	if err != nil {
		t.Fatalf("BatchImport: %v", err)
	}
	if result.NetworksImported != count {
		t.Fatalf("NetworksImported = %d, want %d", result.NetworksImported, count)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors[:min(len(result.Errors), 5)])
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalNetworks != count {
		t.Fatalf("TotalNetworks = %d, want %d", stats.TotalNetworks, count)
	}
}

func intPtr(n int) *int { return &n }
