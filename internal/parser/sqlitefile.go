package parser

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/validate"
)

// sqliteMagic is the first 15 bytes of every SQLite 3 database file.
var sqliteMagic = []byte("SQLite format 3")

// SQLiteFile parses foreign SQLite databases. Two on-disk schemas are
// supported: the WiGLE Android app's network/location pair, and this
// project's own networks export table.
type SQLiteFile struct {
	Logger *slog.Logger
}

func (p *SQLiteFile) FormatName() string { return "SQLite Database" }

func (p *SQLiteFile) CanParse(filename string, sample []byte) bool {
	lower := strings.ToLower(filename)
	if !strings.HasSuffix(lower, ".db") &&
		!strings.HasSuffix(lower, ".sqlite") &&
		!strings.HasSuffix(lower, ".sqlite3") {
		return false
	}
	return bytes.HasPrefix(sample, sqliteMagic)
}

// Parse opens src.Path read-only; src.Content is only the sniffed header and
// is never used beyond detection.
func (p *SQLiteFile) Parse(ctx context.Context, src Source, progress ProgressFunc) ([]model.ParsedNetwork, error) {
	db, err := sql.Open("sqlite", "file:"+src.Path+"?mode=ro")
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "open database: " + err.Error()}
	}
	defer db.Close()

	schema, err := detectSchema(ctx, db)
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "inspect schema: " + err.Error()}
	}

	switch schema {
	case "wigle":
		return p.parseWigleSchema(ctx, db, progress)
	case "custom":
		return p.parseCustomSchema(ctx, db, progress)
	default:
		return nil, &ParseError{Format: p.FormatName(), Msg: "unsupported database schema"}
	}
}

// detectSchema inspects sqlite_master: the WiGLE app ships network+location
// tables, our own exports a single networks table.
func detectSchema(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		names[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch {
	case names["network"] && names["location"]:
		return "wigle", nil
	case names["networks"]:
		return "custom", nil
	}
	return "unknown", nil
}

func (p *SQLiteFile) parseWigleSchema(ctx context.Context, db *sql.DB, progress ProgressFunc) ([]model.ParsedNetwork, error) {
	hasType, err := tableHasColumn(ctx, db, "network", "type")
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "inspect network table: " + err.Error()}
	}

	typeExpr := "''"
	if hasType {
		typeExpr = "COALESCE(n.type, '')"
	}

	query := fmt.Sprintf(`SELECT
            n.bssid,
            COALESCE(n.ssid, ''),
            COALESCE(n.capabilities, ''),
            COALESCE(n.frequency, 0),
            %s,
            l.lat,
            l.lon,
            COALESCE(l.level, %d),
            COALESCE(l.time, 0)
        FROM network n
        LEFT JOIN location l ON n.bssid = l.bssid
        WHERE l.lat IS NOT NULL AND l.lon IS NOT NULL
        ORDER BY l.time, n.bssid`, typeExpr, defaultSignal)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "query wigle schema: " + err.Error()}
	}
	defer rows.Close()

	var networks []model.ParsedNetwork
	scanned := 0
	for rows.Next() {
		var (
			bssid      string
			ssid       string
			caps       string
			frequency  int64
			typeStr    string
			lat, lon   float64
			signal     float64
			timeMillis float64
		)
		if err := rows.Scan(&bssid, &ssid, &caps, &frequency, &typeStr, &lat, &lon, &signal, &timeMillis); err != nil {
			return nil, &ParseError{Format: p.FormatName(), Msg: "scan wigle row: " + err.Error()}
		}

		scanned++
		if bssid == "" || !validate.Latitude(lat) || !validate.Longitude(lon) {
			p.logger().Warn("skipping invalid row", slog.Int("row", scanned), slog.String("bssid", bssid))
			continue
		}

		var channel *int
		if frequency > 0 {
			if ch := FrequencyToChannel(int(frequency)); ch > 0 {
				channel = &ch
			}
		}

		networks = append(networks, model.ParsedNetwork{
			BSSID:          strings.ToUpper(bssid),
			SSID:           ssid,
			Latitude:       lat,
			Longitude:      lon,
			SignalStrength: int(signal),
			Timestamp:      epochToTime(int64(timeMillis)),
			Encryption:     normalizeEncryption(caps),
			Channel:        channel,
			Type:           normalizeNetworkType(typeStr),
		})

		if progress != nil && scanned%ChunkSize == 0 {
			progress(0, "read "+strconv.Itoa(scanned)+" rows")
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "iterate wigle rows: " + err.Error()}
	}

	if progress != nil {
		progress(100, "completed: "+strconv.Itoa(len(networks))+" networks parsed")
	}
	return networks, nil
}

func (p *SQLiteFile) parseCustomSchema(ctx context.Context, db *sql.DB, progress ProgressFunc) ([]model.ParsedNetwork, error) {
	hasType, err := tableHasColumn(ctx, db, "networks", "type")
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "inspect networks table: " + err.Error()}
	}

	typeExpr := "''"
	if hasType {
		typeExpr = "COALESCE(type, '')"
	}

	query := fmt.Sprintf(`SELECT
            bssid,
            COALESCE(ssid, ''),
            COALESCE(encryption, ''),
            COALESCE(channel, 0),
            best_lat,
            best_lon,
            COALESCE(best_signal, %d),
            COALESCE(last_seen, 0),
            %s
        FROM networks
        WHERE best_lat IS NOT NULL AND best_lon IS NOT NULL
        ORDER BY last_seen, bssid`, defaultSignal, typeExpr)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "query custom schema: " + err.Error()}
	}
	defer rows.Close()

	var networks []model.ParsedNetwork
	scanned := 0
	for rows.Next() {
		var (
			bssid      string
			ssid       string
			encryption string
			channelVal int64
			lat, lon   float64
			signal     float64
			lastSeen   float64
			typeStr    string
		)
		if err := rows.Scan(&bssid, &ssid, &encryption, &channelVal, &lat, &lon, &signal, &lastSeen, &typeStr); err != nil {
			return nil, &ParseError{Format: p.FormatName(), Msg: "scan custom row: " + err.Error()}
		}

		scanned++
		if bssid == "" || !validate.Latitude(lat) || !validate.Longitude(lon) {
			p.logger().Warn("skipping invalid row", slog.Int("row", scanned), slog.String("bssid", bssid))
			continue
		}

		var channel *int
		if channelVal > 0 {
			ch := int(channelVal)
			channel = &ch
		}

		networks = append(networks, model.ParsedNetwork{
			BSSID:          strings.ToUpper(bssid),
			SSID:           ssid,
			Latitude:       lat,
			Longitude:      lon,
			SignalStrength: int(signal),
			Timestamp:      epochToTime(int64(lastSeen)),
			Encryption:     normalizeEncryption(encryption),
			Channel:        channel,
			Type:           normalizeNetworkType(typeStr),
		})

		if progress != nil && scanned%ChunkSize == 0 {
			progress(0, "read "+strconv.Itoa(scanned)+" rows")
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "iterate custom rows: " + err.Error()}
	}

	if progress != nil {
		progress(100, "completed: "+strconv.Itoa(len(networks))+" networks parsed")
	}
	return networks, nil
}

// FrequencyToChannel converts an 802.11 center frequency in MHz to a channel
// number. Returns 0 for frequencies outside the 2.4 and 5 GHz bands.
func FrequencyToChannel(freq int) int {
	switch {
	case freq >= 2412 && freq <= 2484:
		if freq == 2484 {
			return 14
		}
		return (freq-2412)/5 + 1
	case freq >= 5170 && freq <= 5825:
		return (freq-5170)/5 + 34
	}
	return 0
}

func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (p *SQLiteFile) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
