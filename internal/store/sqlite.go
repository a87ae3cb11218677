// Package store persists networks and their observations in SQLite and
// answers filtered queries over them. Every observation insert refines the
// owning network's position estimate.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openwardrive/netatlas/internal/geo"
	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/validate"
)

// Config holds configuration values for the SQLite store.
type Config struct {
	Path            string
	CacheTTL        time.Duration
	CacheMaxEntries int
}

// ManufacturerFunc resolves a BSSID to a vendor name at insert time.
type ManufacturerFunc func(bssid string) string

// StorageError wraps a failed storage operation with the operation name, so
// callers can report which step of an import went wrong.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a lookup matches no network.
var ErrNotFound = errors.New("store: network not found")

// Store is a SQLite-backed network repository.
type Store struct {
	cfg          Config
	db           *sql.DB
	logger       *slog.Logger
	metrics      *observability.Metrics
	manufacturer ManufacturerFunc
	cache        *viewportCache

	stmtNetworkID    *sql.Stmt
	stmtInsertNet    *sql.Stmt
	stmtUpdateNet    *sql.Stmt
	stmtInsertObs    *sql.Stmt
	stmtObsByNetwork *sql.Stmt
}

// Option configures the store.
type Option func(*Store)

// WithLogger injects a structured logger into the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithManufacturerLookup overrides the vendor resolver used on first sight of
// a network.
func WithManufacturerLookup(fn ManufacturerFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.manufacturer = fn
		}
	}
}

// Open opens (creating if needed) the database at cfg.Path, applies
// migrations, and prepares the hot-path statements.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: database path must be provided")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 10
	}

	s := &Store{
		cfg:          cfg,
		logger:       slog.Default(),
		manufacturer: func(string) string { return "" },
		cache:        newViewportCache(cfg.CacheTTL, cfg.CacheMaxEntries),
	}
	for _, opt := range opts {
		opt(s)
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, &StorageError{Op: "resolve path", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, &StorageError{Op: "ensure directory", Err: err}
	}

	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, &StorageError{Op: "open sqlite", Err: err}
	}

	if err := configureConnection(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("store opened", slog.String("path", abs))
	return s, nil
}

// Close finalises the store: checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtNetworkID, s.stmtInsertNet, s.stmtUpdateNet,
		s.stmtInsertObs, s.stmtObsByNetwork,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	if s.db != nil {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("final checkpoint failed", slog.Any("error", err))
		}
		return s.db.Close()
	}
	return nil
}

func configureConnection(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8192",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return &StorageError{Op: fmt.Sprintf("apply pragma %q", pragma), Err: err}
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS networks (
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
    )`)
	if err != nil {
		return &StorageError{Op: "migrate networks", Err: err}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS observations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        network_id INTEGER NOT NULL REFERENCES networks(id) ON DELETE CASCADE,
        lat REAL NOT NULL,
        lon REAL NOT NULL,
        signal_strength INTEGER NOT NULL,
        timestamp INTEGER NOT NULL
    )`)
	if err != nil {
		return &StorageError{Op: "migrate observations", Err: err}
	}

	// Databases created before multi-radio support lack the type column.
	if err := addColumnIfMissing(db, "networks", "type", "TEXT NOT NULL DEFAULT 'WIFI'"); err != nil {
		return &StorageError{Op: "add networks.type", Err: err}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_networks_position ON networks(best_lat, best_lon)",
		"CREATE INDEX IF NOT EXISTS idx_networks_last_seen ON networks(last_seen)",
		"CREATE INDEX IF NOT EXISTS idx_networks_ssid ON networks(ssid)",
		"CREATE INDEX IF NOT EXISTS idx_networks_type ON networks(type)",
		"CREATE INDEX IF NOT EXISTS idx_observations_network ON observations(network_id)",
		"CREATE INDEX IF NOT EXISTS idx_observations_timestamp ON observations(timestamp)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return &StorageError{Op: "create index", Err: err}
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, columnType string) error {
	query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnType)
	if _, err := db.Exec(query); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error
	prepare := func(name, query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = s.db.Prepare(query)
		if err != nil {
			err = &StorageError{Op: "prepare " + name, Err: err}
		}
		return stmt
	}

	s.stmtNetworkID = prepare("network id lookup",
		`SELECT id FROM networks WHERE bssid = ?`)
	s.stmtInsertNet = prepare("network insert",
		`INSERT INTO networks (
            bssid, ssid, encryption, channel, manufacturer, type,
            first_seen, last_seen, observation_count,
            best_lat, best_lon, best_signal
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, -120)`)
	// first_seen is set once on insert and never revisited.
	s.stmtUpdateNet = prepare("network update",
		`UPDATE networks SET
            ssid = CASE WHEN ? != '' THEN ? ELSE ssid END,
            encryption = CASE WHEN ? != '' THEN ? ELSE encryption END,
            channel = COALESCE(?, channel),
            manufacturer = CASE WHEN ? != '' THEN ? ELSE manufacturer END,
            type = ?,
            last_seen = ?,
            observation_count = ?,
            best_lat = ?,
            best_lon = ?,
            best_signal = ?
        WHERE id = ?`)
	s.stmtInsertObs = prepare("observation insert",
		`INSERT INTO observations (network_id, lat, lon, signal_strength, timestamp)
         VALUES (?, ?, ?, ?, ?)`)
	s.stmtObsByNetwork = prepare("observations by network",
		`SELECT id, network_id, lat, lon, signal_strength, timestamp
         FROM observations WHERE network_id = ? ORDER BY timestamp, id`)
	return err
}

// UpsertObservation records one sighting: the network row is created on first
// sight and its position estimate, best signal and seen-times are refreshed.
// It reports whether a new network row was created.
func (s *Store) UpsertObservation(ctx context.Context, network model.NetworkInput, obs model.ObservationInput) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &StorageError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	created, err := s.upsertItem(ctx, tx, model.BatchItem{Network: network, Observation: obs})
	if err != nil {
		s.metrics.IncStoreErrors()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		s.metrics.IncStoreErrors()
		return false, &StorageError{Op: "commit", Err: err}
	}

	s.cache.invalidate()
	s.metrics.IncNetworksUpserted()
	s.metrics.IncObservationsAdded()
	return created, nil
}

// BatchImport persists a parsed batch inside a single transaction. Items that
// fail validation or insertion are recorded in the result and skipped; one
// bad row never aborts the batch.
func (s *Store) BatchImport(ctx context.Context, items []model.BatchItem) (model.ImportResult, error) {
	var result model.ImportResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, &StorageError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	for i, item := range items {
		created, err := s.upsertItem(ctx, tx, item)
		if err != nil {
			s.metrics.IncStoreErrors()
			result.Errors = append(result.Errors,
				fmt.Sprintf("item %d (%s): %v", i, item.Network.BSSID, err))
			continue
		}
		if created {
			result.NetworksImported++
		} else {
			result.NetworksUpdated++
		}
		result.ObservationsAdded++
		s.metrics.IncNetworksUpserted()
		s.metrics.IncObservationsAdded()
	}

	if err := tx.Commit(); err != nil {
		s.metrics.IncStoreErrors()
		return model.ImportResult{}, &StorageError{Op: "commit batch", Err: err}
	}

	s.cache.invalidate()
	return result, nil
}

// upsertItem does the actual upsert work against one transaction.
func (s *Store) upsertItem(ctx context.Context, tx *sql.Tx, item model.BatchItem) (bool, error) {
	net, obs := item.Network, item.Observation

	// LTE cell identifiers are not MAC-shaped and pass through verbatim;
	// everything else is canonicalized before the existence check so the same
	// MAC in different separator styles lands on one row.
	if net.Type != model.TypeLTE {
		normalized, err := validate.NormalizeBSSID(net.BSSID)
		if err != nil {
			return false, err
		}
		net.BSSID = normalized
	}
	if err := validate.Coordinates(obs.Latitude, obs.Longitude); err != nil {
		return false, err
	}
	net.SSID = validate.SanitizeString(net.SSID, 32)
	if net.Type == "" {
		net.Type = model.TypeWiFi
	}

	manufacturer := net.Manufacturer
	if manufacturer == "" {
		manufacturer = s.manufacturer(net.BSSID)
	}

	ts := obs.Timestamp.UnixMilli()

	var (
		networkID int64
		created   bool
	)
	err := tx.StmtContext(ctx, s.stmtNetworkID).QueryRowContext(ctx, net.BSSID).Scan(&networkID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.StmtContext(ctx, s.stmtInsertNet).ExecContext(ctx,
			net.BSSID, net.SSID, orUnknown(net.Encryption), nullInt(net.Channel),
			manufacturer, string(net.Type), ts, ts)
		if err != nil {
			return false, fmt.Errorf("insert network: %w", err)
		}
		networkID, err = res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("network id: %w", err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("lookup network: %w", err)
	}

	if _, err := tx.StmtContext(ctx, s.stmtInsertObs).ExecContext(ctx,
		networkID, obs.Latitude, obs.Longitude, obs.SignalStrength, ts); err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}

	observations, err := s.observationsTx(ctx, tx, networkID)
	if err != nil {
		return false, fmt.Errorf("load observations: %w", err)
	}

	pos, err := geo.WeightedCentroid(observations)
	if err != nil {
		return false, fmt.Errorf("recompute position: %w", err)
	}
	bestSignal := observations[0].SignalStrength
	for _, o := range observations[1:] {
		if o.SignalStrength > bestSignal {
			bestSignal = o.SignalStrength
		}
	}

	if _, err := tx.StmtContext(ctx, s.stmtUpdateNet).ExecContext(ctx,
		net.SSID, net.SSID,
		net.Encryption, net.Encryption,
		nullInt(net.Channel),
		manufacturer, manufacturer,
		string(net.Type),
		ts,
		len(observations),
		pos.Latitude, pos.Longitude, bestSignal,
		networkID); err != nil {
		return false, fmt.Errorf("update network: %w", err)
	}

	return created, nil
}

func (s *Store) observationsTx(ctx context.Context, tx *sql.Tx, networkID int64) ([]model.Observation, error) {
	rows, err := tx.StmtContext(ctx, s.stmtObsByNetwork).QueryContext(ctx, networkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// Networks returns the networks matching the filter. Pure bounding-box
// queries are served from the viewport cache when fresh.
func (s *Store) Networks(ctx context.Context, filter model.NetworkFilter) ([]model.Network, error) {
	cacheable := filter.ViewportOnly()
	if cacheable {
		if networks, ok := s.cache.get(*filter.Bounds, filter.Limit, filter.Offset); ok {
			s.metrics.IncCacheHits()
			return networks, nil
		}
		s.metrics.IncCacheMisses()
	}

	query, args := buildNetworkQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.metrics.IncStoreErrors()
		return nil, &StorageError{Op: "query networks", Err: err}
	}
	defer rows.Close()

	networks, err := scanNetworks(rows)
	if err != nil {
		s.metrics.IncStoreErrors()
		return nil, &StorageError{Op: "scan networks", Err: err}
	}

	if cacheable {
		s.cache.put(*filter.Bounds, filter.Limit, filter.Offset, networks)
	}
	return networks, nil
}

// NetworkByBSSID returns a single network or ErrNotFound.
func (s *Store) NetworkByBSSID(ctx context.Context, bssid string) (model.Network, error) {
	query, args := buildNetworkQuery(model.NetworkFilter{BSSID: bssid})
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Network{}, &StorageError{Op: "query network", Err: err}
	}
	defer rows.Close()

	networks, err := scanNetworks(rows)
	if err != nil {
		return model.Network{}, &StorageError{Op: "scan network", Err: err}
	}
	if len(networks) == 0 {
		return model.Network{}, ErrNotFound
	}
	return networks[0], nil
}

// ObservationsForNetwork returns a network's sightings ordered by time.
func (s *Store) ObservationsForNetwork(ctx context.Context, networkID int64) ([]model.Observation, error) {
	rows, err := s.stmtObsByNetwork.QueryContext(ctx, networkID)
	if err != nil {
		return nil, &StorageError{Op: "query observations", Err: err}
	}
	defer rows.Close()

	observations, err := scanObservations(rows)
	if err != nil {
		return nil, &StorageError{Op: "scan observations", Err: err}
	}
	return observations, nil
}

// Stats summarises the stored dataset.
type Stats struct {
	TotalNetworks     int64
	TotalObservations int64
	ByType            map[string]int64
	ByEncryption      map[string]int64
}

// Stats returns dataset-wide counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByType:       make(map[string]int64),
		ByEncryption: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM networks`).Scan(&stats.TotalNetworks); err != nil {
		return Stats{}, &StorageError{Op: "count networks", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&stats.TotalObservations); err != nil {
		return Stats{}, &StorageError{Op: "count observations", Err: err}
	}

	groups := []struct {
		query string
		dest  map[string]int64
	}{
		{`SELECT type, COUNT(*) FROM networks GROUP BY type`, stats.ByType},
		{`SELECT encryption, COUNT(*) FROM networks GROUP BY encryption`, stats.ByEncryption},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx, g.query)
		if err != nil {
			return Stats{}, &StorageError{Op: "group networks", Err: err}
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return Stats{}, &StorageError{Op: "scan group", Err: err}
			}
			g.dest[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return Stats{}, &StorageError{Op: "iterate group", Err: err}
		}
		rows.Close()
	}
	return stats, nil
}

// RunMaintenance checkpoints the WAL and refreshes the query planner
// statistics. Useful after a large import.
func (s *Store) RunMaintenance(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return &StorageError{Op: "wal_checkpoint", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return &StorageError{Op: "optimize", Err: err}
	}
	s.logger.Info("maintenance completed", slog.Duration("duration", time.Since(start)))
	return nil
}

// ClearAll deletes every observation and network.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	// Observations first: the foreign key references networks.
	if _, err := tx.ExecContext(ctx, `DELETE FROM observations`); err != nil {
		return &StorageError{Op: "clear observations", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM networks`); err != nil {
		return &StorageError{Op: "clear networks", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit clear", Err: err}
	}

	s.cache.invalidate()
	s.logger.Info("store cleared")
	return nil
}

const networkColumns = `id, bssid, ssid, encryption, channel, manufacturer,
    first_seen, last_seen, observation_count, best_lat, best_lon, best_signal, type`

// buildNetworkQuery assembles a SELECT for the filter's conjunction of
// predicates. Zero-valued predicates add no clause.
func buildNetworkQuery(filter model.NetworkFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if filter.SSID != "" {
		clauses = append(clauses, "ssid LIKE ?")
		args = append(args, "%"+filter.SSID+"%")
	}
	if filter.BSSID != "" {
		clauses = append(clauses, "bssid LIKE ?")
		args = append(args, "%"+strings.ToUpper(filter.BSSID)+"%")
	}
	if len(filter.Encryption) > 0 {
		clauses = append(clauses, "encryption IN ("+placeholders(len(filter.Encryption))+")")
		for _, enc := range filter.Encryption {
			args = append(args, enc)
		}
	}
	if len(filter.Types) > 0 {
		clauses = append(clauses, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter.Bounds != nil {
		clauses = append(clauses, "best_lat BETWEEN ? AND ?", "best_lon BETWEEN ? AND ?")
		args = append(args, filter.Bounds.South, filter.Bounds.North, filter.Bounds.West, filter.Bounds.East)
	}
	if filter.DateRange != nil {
		clauses = append(clauses, "last_seen BETWEEN ? AND ?")
		args = append(args, filter.DateRange.Start.UnixMilli(), filter.DateRange.End.UnixMilli())
	}
	if filter.MinSignal != nil {
		clauses = append(clauses, "best_signal >= ?")
		args = append(args, *filter.MinSignal)
	}

	query := "SELECT " + networkColumns + " FROM networks"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_seen DESC, id"

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}
	return query, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanNetworks(rows *sql.Rows) ([]model.Network, error) {
	var networks []model.Network
	for rows.Next() {
		var (
			n         model.Network
			channel   sql.NullInt64
			firstSeen int64
			lastSeen  int64
			netType   string
		)
		if err := rows.Scan(&n.ID, &n.BSSID, &n.SSID, &n.Encryption, &channel,
			&n.Manufacturer, &firstSeen, &lastSeen, &n.ObservationCount,
			&n.BestLat, &n.BestLon, &n.BestSignal, &netType); err != nil {
			return nil, err
		}
		if channel.Valid {
			ch := int(channel.Int64)
			n.Channel = &ch
		}
		n.FirstSeen = time.UnixMilli(firstSeen)
		n.LastSeen = time.UnixMilli(lastSeen)
		n.Type = model.NetworkType(netType)
		networks = append(networks, n)
	}
	return networks, rows.Err()
}

func scanObservations(rows *sql.Rows) ([]model.Observation, error) {
	var observations []model.Observation
	for rows.Next() {
		var (
			o  model.Observation
			ts int64
		)
		if err := rows.Scan(&o.ID, &o.NetworkID, &o.Latitude, &o.Longitude, &o.SignalStrength, &ts); err != nil {
			return nil, err
		}
		o.Timestamp = time.UnixMilli(ts)
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

func orUnknown(s string) string {
	if s == "" {
		return model.EncryptionUnknown
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
