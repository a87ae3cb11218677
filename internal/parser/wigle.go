package parser

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/validate"
)

// wigleColumns maps canonical fields to the header-name variants produced by
// WiGLE exports and WiGLE-compatible tools. Matching is by substring because
// exports prefix columns ("CurrentLatitude") and mix cases freely.
var wigleColumns = []columnSpec{
	{"bssid", []string{"MAC", "BSSID", "mac"}},
	{"ssid", []string{"SSID", "ssid"}},
	{"latitude", []string{"CurrentLatitude", "Latitude", "lat"}},
	{"longitude", []string{"CurrentLongitude", "Longitude", "lon", "long"}},
	{"signal", []string{"RSSI", "Signal", "signal", "rssi"}},
	{"encryption", []string{"AuthMode", "Encryption", "encryption", "Capabilities"}},
	{"channel", []string{"Channel", "channel"}},
	{"timestamp", []string{"FirstSeen", "Time", "timestamp", "Date"}},
	{"type", []string{"Type", "type", "NetworkType"}},
}

// WigleCSV parses WiGLE WiFi wardriving CSV exports, including the
// "WigleWifi-…" metadata banner variant.
type WigleCSV struct {
	Logger *slog.Logger
}

func (p *WigleCSV) FormatName() string { return "WiGLE CSV" }

func (p *WigleCSV) CanParse(filename string, sample []byte) bool {
	if !strings.HasSuffix(strings.ToLower(filename), ".csv") {
		return false
	}

	first, second := firstTwoLines(sample)
	if strings.Contains(first, "wiglewifi") {
		return true
	}

	// Header heuristics only apply to comma-delimited files; semicolon
	// exports belong to the Kismet parser.
	if !strings.Contains(first, ",") && !strings.Contains(second, ",") {
		return false
	}

	headerLine := first + " " + second
	for _, token := range []string{"mac", "bssid", "ssid", "authmode", "encryption"} {
		if strings.Contains(headerLine, token) {
			return true
		}
	}
	return false
}

func (p *WigleCSV) Parse(ctx context.Context, src Source, progress ProgressFunc) ([]model.ParsedNetwork, error) {
	lines := splitNonEmptyLines(src.Content)
	if len(lines) == 0 {
		return nil, &ParseError{Format: p.FormatName(), Msg: "empty CSV file"}
	}

	headerIdx := 0
	if strings.HasPrefix(strings.ToLower(lines[0]), "wiglewifi-") {
		headerIdx = 1
		p.logger().Debug("detected WiGLE metadata banner, header expected on line 2")
	}
	if headerIdx >= len(lines) {
		return nil, &ParseError{Format: p.FormatName(), Msg: "no header line found in CSV file"}
	}

	header := strings.Split(lines[headerIdx], ",")
	columnMap := mapColumns(header, wigleColumns, true)
	if !hasColumns(columnMap, "bssid", "ssid", "latitude", "longitude") {
		return nil, &ParseError{Format: p.FormatName(), Line: headerIdx + 1, Msg: "missing required columns"}
	}

	dataStart := headerIdx + 1
	totalRows := len(lines) - dataStart
	networks := make([]model.ParsedNetwork, 0, totalRows)
	errorCount := 0

	for chunkStart := dataStart; chunkStart < len(lines); chunkStart += ChunkSize {
		chunkEnd := min(chunkStart+ChunkSize, len(lines))

		for i := chunkStart; i < chunkEnd; i++ {
			rec, err := p.parseRow(lines[i], columnMap, i+1)
			if err != nil {
				errorCount++
				p.logger().Warn("skipping invalid row",
					slog.Int("line", i+1), slog.Any("error", err))

				// Circuit breaker: a mostly-unparseable file is either
				// corrupt or in the wrong format.
				if errorCount > totalRows/2 {
					return nil, &ParseError{
						Format: p.FormatName(),
						Line:   i + 1,
						Msg:    "too many parse errors (" + strconv.Itoa(errorCount) + " of " + strconv.Itoa(totalRows) + " rows), file may be corrupt or in the wrong format",
					}
				}
				continue
			}
			if rec != nil {
				networks = append(networks, *rec)
			}
		}

		if progress != nil {
			done := chunkEnd - dataStart
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
	p.logger().Info("WiGLE CSV parse complete",
		slog.Int("networks", len(networks)), slog.Int("errors", errorCount))

	return networks, nil
}

// parseRow returns (nil, nil) for rows lacking required fields, which are
// skipped without counting towards the error threshold.
func (p *WigleCSV) parseRow(line string, columnMap map[string]int, lineNo int) (*model.ParsedNetwork, error) {
	values := parseCSVLine(line)

	bssid := getColumn(values, columnMap, "bssid")
	latStr := getColumn(values, columnMap, "latitude")
	lonStr := getColumn(values, columnMap, "longitude")
	if bssid == "" || latStr == "" || lonStr == "" {
		return nil, nil
	}

	// The network type decides the identifier rules: LTE cell IDs are not
	// MAC-shaped and pass through verbatim.
	netType := normalizeNetworkType(getColumn(values, columnMap, "type"))
	normalizedBssid := bssid
	if netType != model.TypeLTE {
		var err error
		normalizedBssid, err = validate.NormalizeBSSID(bssid)
		if err != nil {
			return nil, &ParseError{Format: p.FormatName(), Line: lineNo, Msg: "invalid BSSID format: " + bssid}
		}
	}

	lat, latErr := strconv.ParseFloat(latStr, 64)
	lon, lonErr := strconv.ParseFloat(lonStr, 64)
	if latErr != nil || lonErr != nil {
		return nil, &ParseError{Format: p.FormatName(), Line: lineNo, Msg: "invalid coordinates: " + latStr + ", " + lonStr}
	}
	if err := validate.Coordinates(lat, lon); err != nil {
		return nil, &ParseError{Format: p.FormatName(), Line: lineNo, Msg: "invalid coordinates: " + latStr + ", " + lonStr}
	}

	signal := defaultSignal
	if sigStr := getColumn(values, columnMap, "signal"); sigStr != "" {
		if f, err := strconv.ParseFloat(sigStr, 64); err == nil {
			signal = int(f)
		}
	}
	if !validate.SignalStrength(signal) {
		p.logger().Warn("invalid signal strength, using default",
			slog.Int("signal", signal), slog.Int("line", lineNo))
		signal = defaultSignal
	}

	var channel *int
	if chStr := getColumn(values, columnMap, "channel"); chStr != "" {
		if ch, err := strconv.Atoi(chStr); err == nil && validate.Channel(ch) {
			channel = &ch
		} else {
			p.logger().Warn("invalid channel, ignoring",
				slog.String("channel", chStr), slog.Int("line", lineNo))
		}
	}

	return &model.ParsedNetwork{
		BSSID:          normalizedBssid,
		SSID:           getColumn(values, columnMap, "ssid"),
		Latitude:       lat,
		Longitude:      lon,
		SignalStrength: signal,
		Timestamp:      parseTimestamp(getColumn(values, columnMap, "timestamp")),
		Encryption:     normalizeEncryption(getColumn(values, columnMap, "encryption")),
		Channel:        channel,
		Type:           netType,
	}, nil
}

func (p *WigleCSV) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// parseCSVLine splits a CSV row honoring double-quote-enclosed fields, so
// SSIDs containing commas survive intact.
func parseCSVLine(line string) []string {
	values := make([]string, 0, 16)
	var current strings.Builder
	inQuotes := false

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			values = append(values, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	values = append(values, strings.TrimSpace(current.String()))
	return values
}

func getColumn(values []string, columnMap map[string]int, key string) string {
	idx, ok := columnMap[key]
	if !ok || idx >= len(values) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(values[idx], `"`))
}

func firstTwoLines(sample []byte) (string, string) {
	lower := strings.ToLower(string(sample))
	parts := strings.SplitN(lower, "\n", 3)
	first, second := "", ""
	if len(parts) > 0 {
		first = parts[0]
	}
	if len(parts) > 1 {
		second = parts[1]
	}
	return first, second
}
