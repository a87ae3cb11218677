package parser

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/validate"
)

// kismetColumns maps canonical fields to Kismet's column names. Kismet writes
// a stable header, so matching is exact.
var kismetColumns = []columnSpec{
	{"bssid", []string{"BSSID", "bssid"}},
	{"ssid", []string{"SSID", "ssid", "Name"}},
	{"latitude", []string{"BestLat", "bestlat", "Lat"}},
	{"longitude", []string{"BestLon", "bestlon", "Lon"}},
	{"signal", []string{"LastSignal", "lastsignal", "Signal", "MaxSignal"}},
	{"encryption", []string{"Encryption", "encryption", "Crypt"}},
	{"channel", []string{"Channel", "channel"}},
	{"timestamp", []string{"FirstTime", "firsttime", "Time"}},
	{"type", []string{"Type", "type", "NetworkType", "PhyType"}},
}

// KismetCSV parses Kismet's semicolon-delimited network summary CSV.
type KismetCSV struct {
	Logger *slog.Logger
}

func (p *KismetCSV) FormatName() string { return "Kismet CSV" }

func (p *KismetCSV) CanParse(filename string, sample []byte) bool {
	if !strings.HasSuffix(strings.ToLower(filename), ".csv") {
		return false
	}
	first, _ := firstTwoLines(sample)
	return strings.Contains(first, "bssid") &&
		(strings.Contains(first, "lastsignal") || strings.Contains(first, "bestlat"))
}

func (p *KismetCSV) Parse(ctx context.Context, src Source, progress ProgressFunc) ([]model.ParsedNetwork, error) {
	lines := splitNonEmptyLines(src.Content)
	if len(lines) == 0 {
		return nil, &ParseError{Format: p.FormatName(), Msg: "empty CSV file"}
	}

	header := strings.Split(lines[0], ";")
	columnMap := mapColumns(header, kismetColumns, false)
	if !hasColumns(columnMap, "bssid", "latitude", "longitude") {
		return nil, &ParseError{Format: p.FormatName(), Line: 1, Msg: "missing required columns"}
	}

	totalRows := len(lines) - 1
	networks := make([]model.ParsedNetwork, 0, totalRows)

	for chunkStart := 1; chunkStart < len(lines); chunkStart += ChunkSize {
		chunkEnd := min(chunkStart+ChunkSize, len(lines))

		for i := chunkStart; i < chunkEnd; i++ {
			rec := p.parseRow(lines[i], columnMap)
			if rec != nil {
				networks = append(networks, *rec)
			}
		}

		if progress != nil {
			done := chunkEnd - 1
			progress(float64(done)/float64(totalRows)*100,
				"parsed "+strconv.Itoa(done)+" of "+strconv.Itoa(totalRows)+" rows")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if progress != nil {
		progress(100, "completed: "+strconv.Itoa(len(networks))+" networks parsed")
	}
	p.logger().Info("Kismet CSV parse complete", slog.Int("networks", len(networks)))

	return networks, nil
}

// parseRow returns nil for rows that cannot be used; Kismet rows fail
// silently with no abort threshold.
func (p *KismetCSV) parseRow(line string, columnMap map[string]int) *model.ParsedNetwork {
	values := strings.Split(line, ";")
	for i := range values {
		values[i] = strings.TrimSpace(values[i])
	}

	bssid := getColumn(values, columnMap, "bssid")
	latStr := getColumn(values, columnMap, "latitude")
	lonStr := getColumn(values, columnMap, "longitude")
	if bssid == "" || latStr == "" || lonStr == "" {
		return nil
	}

	lat, latErr := strconv.ParseFloat(latStr, 64)
	lon, lonErr := strconv.ParseFloat(lonStr, 64)
	if latErr != nil || lonErr != nil || !validate.Latitude(lat) || !validate.Longitude(lon) {
		return nil
	}

	signal := defaultSignal
	if sigStr := getColumn(values, columnMap, "signal"); sigStr != "" {
		if f, err := strconv.ParseFloat(sigStr, 64); err == nil {
			signal = int(f)
		}
	}

	var channel *int
	if chStr := getColumn(values, columnMap, "channel"); chStr != "" {
		if ch, err := strconv.Atoi(chStr); err == nil {
			channel = &ch
		}
	}

	return &model.ParsedNetwork{
		BSSID:          strings.ToUpper(bssid),
		SSID:           getColumn(values, columnMap, "ssid"),
		Latitude:       lat,
		Longitude:      lon,
		SignalStrength: signal,
		Timestamp:      parseTimestamp(getColumn(values, columnMap, "timestamp")),
		Encryption:     normalizeEncryption(getColumn(values, columnMap, "encryption")),
		Channel:        channel,
		Type:           normalizeNetworkType(getColumn(values, columnMap, "type")),
	}
}

func (p *KismetCSV) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
