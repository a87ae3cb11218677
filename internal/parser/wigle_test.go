package parser_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/parser"
)

func parseWigle(t *testing.T, content string) ([]model.ParsedNetwork, error) {
	t.Helper()
	p := &parser.WigleCSV{Logger: observability.NoOpLogger()}
	return p.Parse(context.Background(), parser.Source{Path: "scan.csv", Content: []byte(content)}, nil)
}

func TestWigleParseWithBanner(t *testing.T) {
	content := "WigleWifi-1.4,appRelease=2.53,model=Pixel,release=13\n" +
		"MAC,SSID,AuthMode,FirstSeen,Channel,RSSI,CurrentLatitude,CurrentLongitude,AltitudeMeters,AccuracyMeters,Type\n" +
		"aa:bb:cc:dd:ee:ff,HomeNet,[WPA2-PSK-CCMP][ESS],2021-06-15 10:30:00,6,-65,52.5200,13.4050,34,4,WIFI\n"

	networks, err := parseWigle(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(networks))
	}

	n := networks[0]
	if n.BSSID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("BSSID = %q, want normalized form", n.BSSID)
	}
	if n.SSID != "HomeNet" {
		t.Errorf("SSID = %q", n.SSID)
	}
	if n.Encryption != model.EncryptionWPA2 {
		t.Errorf("Encryption = %q, want WPA2", n.Encryption)
	}
	if n.Channel == nil || *n.Channel != 6 {
		t.Errorf("Channel = %v, want 6", n.Channel)
	}
	if n.SignalStrength != -65 {
		t.Errorf("SignalStrength = %d, want -65", n.SignalStrength)
	}
	if n.Latitude != 52.52 || n.Longitude != 13.405 {
		t.Errorf("coordinates = %v,%v", n.Latitude, n.Longitude)
	}
	want := time.Date(2021, 6, 15, 10, 30, 0, 0, time.UTC)
	if !n.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", n.Timestamp, want)
	}
}

func TestWigleEncryptionPriority(t *testing.T) {
	// WPA2 capability strings contain "WPA" as a substring and must not be
	// downgraded.
	cases := []struct {
		authMode string
		want     string
	}{
		{"[WPA3-SAE-CCMP][ESS]", model.EncryptionWPA3},
		{"[WPA2-PSK-CCMP][WPA-PSK-TKIP][ESS]", model.EncryptionWPA2},
		{"[RSN-PSK-CCMP]", model.EncryptionWPA2},
		{"[WPA-PSK-TKIP][ESS]", model.EncryptionWPA},
		{"[WEP][ESS]", model.EncryptionWEP},
		{"[ESS]", model.EncryptionOpen},
		{"", model.EncryptionOpen},
		{"[IBSS]", model.EncryptionUnknown},
	}

	for _, tc := range cases {
		content := "MAC,SSID,AuthMode,CurrentLatitude,CurrentLongitude\n" +
			"aa:bb:cc:dd:ee:01,Net," + tc.authMode + ",10.0,20.0\n"
		networks, err := parseWigle(t, content)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.authMode, err)
		}
		if len(networks) != 1 {
			t.Fatalf("Parse(%q): expected 1 network, got %d", tc.authMode, len(networks))
		}
		if networks[0].Encryption != tc.want {
			t.Errorf("AuthMode %q => %q, want %q", tc.authMode, networks[0].Encryption, tc.want)
		}
	}
}

func TestWigleQuotedSSIDWithComma(t *testing.T) {
	content := "MAC,SSID,AuthMode,CurrentLatitude,CurrentLongitude\n" +
		"aa:bb:cc:dd:ee:02,\"Cafe, Free WiFi\",[ESS],48.8566,2.3522\n"

	networks, err := parseWigle(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(networks))
	}
	if networks[0].SSID != "Cafe, Free WiFi" {
		t.Errorf("SSID = %q, want comma preserved", networks[0].SSID)
	}
}

func TestWigleLTECellIDPassthrough(t *testing.T) {
	content := "MAC,SSID,AuthMode,CurrentLatitude,CurrentLongitude,Type\n" +
		"310410_12345_678,Carrier,,40.7128,-74.0060,LTE\n"

	networks, err := parseWigle(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(networks))
	}
	if networks[0].BSSID != "310410_12345_678" {
		t.Errorf("LTE identifier = %q, want verbatim passthrough", networks[0].BSSID)
	}
	if networks[0].Type != model.TypeLTE {
		t.Errorf("Type = %q, want LTE", networks[0].Type)
	}
}

func TestWigleSkipsRowsMissingRequiredFields(t *testing.T) {
	content := "MAC,SSID,AuthMode,CurrentLatitude,CurrentLongitude\n" +
		"aa:bb:cc:dd:ee:03,Good,[ESS],10.0,20.0\n" +
		",NoMac,[ESS],10.0,20.0\n" +
		"aa:bb:cc:dd:ee:04,NoCoords,[ESS],,\n"

	networks, err := parseWigle(t, content)
	if err != nil {
		t.Fatalf("rows with missing required fields must be skipped, not fail: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(networks))
	}
}

func TestWigleCircuitBreaker(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("MAC,SSID,AuthMode,CurrentLatitude,CurrentLongitude\n")
	sb.WriteString("aa:bb:cc:dd:ee:05,Good,[ESS],10.0,20.0\n")
	// Invalid BSSIDs count as errors; over half the rows failing aborts.
	for i := 0; i < 3; i++ {
		sb.WriteString("zz:zz:zz,Bad,[ESS],10.0,20.0\n")
	}

	_, err := parseWigle(t, sb.String())
	var parseErr *parser.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError from circuit breaker, got %v", err)
	}
}

func TestWigleInvalidSignalFallsBack(t *testing.T) {
	content := "MAC,SSID,AuthMode,RSSI,CurrentLatitude,CurrentLongitude\n" +
		"aa:bb:cc:dd:ee:06,Net,[ESS],42,10.0,20.0\n"

	networks, err := parseWigle(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if networks[0].SignalStrength != -70 {
		t.Errorf("positive dBm reading must fall back to -70, got %d", networks[0].SignalStrength)
	}
}

func TestWigleMissingHeaderColumns(t *testing.T) {
	_, err := parseWigle(t, "Foo,Bar,Baz\n1,2,3\n")
	var parseErr *parser.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for missing columns, got %v", err)
	}
}

func TestWigleCancellation(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("MAC,SSID,AuthMode,CurrentLatitude,CurrentLongitude\n")
	for i := 0; i < 2500; i++ {
		sb.WriteString("aa:bb:cc:dd:ee:ff,Net,[ESS],10.0,20.0\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &parser.WigleCSV{Logger: observability.NoOpLogger()}
	_, err := p.Parse(ctx, parser.Source{Path: "scan.csv", Content: []byte(sb.String())}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
