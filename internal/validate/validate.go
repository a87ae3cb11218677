// Package validate holds the pure validation and normalization functions used
// by parsers and the repository. All checks are side-effect free.
package validate

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// ValidationError reports a single bad field value. It is always raised before
// any storage call is attempted.
type ValidationError struct {
	Field string
	Value any
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate: %s (%s=%v)", e.Msg, e.Field, e.Value)
}

// Latitude reports whether lat is a finite value in [-90, 90].
func Latitude(lat float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && lat >= -90 && lat <= 90
}

// Longitude reports whether lon is a finite value in [-180, 180].
func Longitude(lon float64) bool {
	return !math.IsNaN(lon) && !math.IsInf(lon, 0) && lon >= -180 && lon <= 180
}

// Coordinates fails with a ValidationError if either component is out of
// range. Callers must not persist coordinates that fail this check.
func Coordinates(lat, lon float64) error {
	if !Latitude(lat) {
		return &ValidationError{Field: "latitude", Value: lat, Msg: "latitude must be between -90 and 90"}
	}
	if !Longitude(lon) {
		return &ValidationError{Field: "longitude", Value: lon, Msg: "longitude must be between -180 and 180"}
	}
	return nil
}

// BSSID reports whether s is a MAC-shaped identifier: exactly 12 hex digits
// after stripping ':' and '-' separators. LTE cell identifiers intentionally
// bypass this check.
func BSSID(s string) bool {
	cleaned := stripSeparators(s)
	if len(cleaned) != 12 {
		return false
	}
	for _, r := range cleaned {
		if !isHex(r) {
			return false
		}
	}
	return true
}

// NormalizeBSSID returns the canonical uppercase colon-grouped form
// (XX:XX:XX:XX:XX:XX) or a ValidationError for non-MAC-shaped input.
// The function is idempotent.
func NormalizeBSSID(s string) (string, error) {
	if !BSSID(s) {
		return "", &ValidationError{Field: "bssid", Value: s, Msg: "expected format XX:XX:XX:XX:XX:XX"}
	}
	cleaned := strings.ToUpper(stripSeparators(s))
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(cleaned[i : i+2])
	}
	return b.String(), nil
}

// SignalStrength reports whether n is a plausible dBm reading in [-120, 0].
func SignalStrength(n int) bool {
	return n >= -120 && n <= 0
}

// Channel reports whether n is a valid 802.11 channel: 2.4 GHz channels 1-14,
// or the 5 GHz sets 36-64 (step 4), 100-144 (step 4), 149-165 (step 4).
func Channel(n int) bool {
	if n >= 1 && n <= 14 {
		return true
	}
	switch {
	case n >= 36 && n <= 64:
		return n%4 == 0
	case n >= 100 && n <= 144:
		return n%4 == 0
	case n >= 149 && n <= 165:
		return n%4 == 1
	}
	return false
}

// SSID reports whether s fits in the 32-byte SSID field. Empty SSIDs are
// permitted (hidden networks).
func SSID(s string) bool {
	return len(s) <= 32
}

// wifiEpoch is the earliest timestamp accepted as a plausible sighting.
var wifiEpoch = time.Date(1997, time.January, 1, 0, 0, 0, 0, time.UTC)

// Timestamp reports whether t is between 1997-01-01 and one day into the
// future (clock-skew allowance).
func Timestamp(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(wifiEpoch) && !t.After(time.Now().Add(24*time.Hour))
}

// SanitizeString trims surrounding whitespace and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if maxLen >= 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FilePath reports whether p is non-empty and free of directory-traversal
// sequences, including URL-encoded variants.
func FilePath(p string) bool {
	if p == "" {
		return false
	}
	lower := strings.ToLower(p)
	for _, pattern := range []string{"../", "..\\", "%2e%2e", "%252e%252e"} {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ':' || r == '-' {
			return -1
		}
		return r
	}, s)
}

func isHex(r rune) bool {
	return unicode.Is(unicode.ASCII_Hex_Digit, r)
}
