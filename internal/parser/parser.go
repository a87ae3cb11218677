// Package parser turns raw wardriving capture files into canonical
// ParsedNetwork records. Each parser independently decides whether it can
// consume a file; Detect walks the parsers in a fixed priority order and the
// first claim wins.
package parser

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openwardrive/netatlas/internal/model"
)

// ChunkSize is the number of records processed between progress reports and
// context-cancellation checks. Large files are never materialized beyond one
// chunk's working window plus the accumulated output.
const ChunkSize = 1000

// defaultSignal substitutes for missing or implausible readings.
const defaultSignal = -70

// Source identifies the file being parsed. Text parsers consume Content;
// the SQLite parser opens Path directly and Content holds only the sniffed
// header bytes.
type Source struct {
	Path    string
	Content []byte
}

// ProgressFunc receives parse progress at chunk granularity.
// percent is 0-100 within the parse phase.
type ProgressFunc func(percent float64, message string)

// Parser is the contract every capture format implements.
type Parser interface {
	// CanParse decides from the file name and a content sample whether this
	// parser claims the file.
	CanParse(filename string, sample []byte) bool
	// Parse produces the file's records. Per-row failures are recovered
	// internally; only structural failures return an error.
	Parse(ctx context.Context, src Source, progress ProgressFunc) ([]model.ParsedNetwork, error)
	// FormatName names the format for error messages and progress output.
	FormatName() string
}

// ParseError reports a structural failure of an input file: wrong format,
// missing header, or a corrupt-file circuit breaker.
type ParseError struct {
	Format string
	Line   int
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return "parse " + e.Format + ": " + e.Msg + " (line " + strconv.Itoa(e.Line) + ")"
	}
	return "parse " + e.Format + ": " + e.Msg
}

// DefaultParsers returns the parser set in detection priority order.
func DefaultParsers(logger *slog.Logger) []Parser {
	return []Parser{
		&WigleCSV{Logger: logger},
		&KismetCSV{Logger: logger},
		&KML{Logger: logger},
		&SQLiteFile{Logger: logger},
	}
}

// Detect returns the first parser claiming the file, or nil.
func Detect(parsers []Parser, filename string, sample []byte) Parser {
	for _, p := range parsers {
		if p.CanParse(filename, sample) {
			return p
		}
	}
	return nil
}

// columnSpec maps a canonical field to the column-name variants seen in the
// wild for one format.
type columnSpec struct {
	key      string
	variants []string
}

// mapColumns resolves header columns to field indices. The first spec whose
// variant matches a column claims it; substring controls whether variants
// match by containment (WiGLE's mangled exports) or exact equality (Kismet).
func mapColumns(header []string, specs []columnSpec, substring bool) map[string]int {
	out := make(map[string]int, len(specs))
	for idx, col := range header {
		col = strings.TrimSpace(col)
		for _, spec := range specs {
			if _, taken := out[spec.key]; taken {
				continue
			}
			if matchesAny(col, spec.variants, substring) {
				out[spec.key] = idx
				break
			}
		}
	}
	return out
}

func matchesAny(col string, variants []string, substring bool) bool {
	for _, v := range variants {
		if substring && strings.Contains(col, v) {
			return true
		}
		if !substring && col == v {
			return true
		}
	}
	return false
}

func hasColumns(columnMap map[string]int, required ...string) bool {
	for _, key := range required {
		if _, ok := columnMap[key]; !ok {
			return false
		}
	}
	return true
}

// normalizeEncryption maps a capability string to the canonical encryption
// level. Priority order matters: "WPA2" must never be miscategorized as
// "WPA", so stronger levels are checked first.
func normalizeEncryption(s string) string {
	enc := strings.ToUpper(s)
	switch {
	case strings.Contains(enc, "WPA3"):
		return model.EncryptionWPA3
	case strings.Contains(enc, "WPA2"), strings.Contains(enc, "RSN"):
		return model.EncryptionWPA2
	case strings.Contains(enc, "WPA"):
		return model.EncryptionWPA
	case strings.Contains(enc, "WEP"):
		return model.EncryptionWEP
	case enc == "", strings.Contains(enc, "OPEN"), strings.Contains(enc, "NONE"), strings.Contains(enc, "ESS"):
		return model.EncryptionOpen
	}
	return model.EncryptionUnknown
}

// normalizeNetworkType maps a source type label to a NetworkType. Absent or
// unrecognized values default to WIFI.
func normalizeNetworkType(s string) model.NetworkType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WIFI", "WI-FI":
		return model.TypeWiFi
	case "BLE", "BLUETOOTH", "BT", "BTLE":
		return model.TypeBLE
	case "LTE", "CELL", "GSM", "CDMA":
		return model.TypeLTE
	}
	return model.TypeWiFi
}

// timestampLayouts covers the date formats observed across WiGLE, Kismet and
// KML exports.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// parseTimestamp interprets a source timestamp string: epoch seconds or
// milliseconds, or one of the known layouts. Unparseable or missing values
// fall back to the current time, matching how capture tools treat rows
// without a recorded sighting time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now()
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochToTime(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(int64(f))
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now()
}

// epochToTime treats values above 1e12 as milliseconds, otherwise seconds.
func epochToTime(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// splitNonEmptyLines splits content into trimmed-right lines, dropping blanks.
func splitNonEmptyLines(content []byte) []string {
	raw := strings.Split(string(content), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
