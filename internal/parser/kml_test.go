package parser_test

import (
	"context"
	"errors"
	"testing"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/parser"
)

func parseKML(t *testing.T, content string) ([]model.ParsedNetwork, error) {
	t.Helper()
	p := &parser.KML{Logger: observability.NoOpLogger()}
	return p.Parse(context.Background(), parser.Source{Path: "scan.kml", Content: []byte(content)}, nil)
}

func TestKMLParseExtendedData(t *testing.T) {
	content := `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Folder>
      <Placemark>
        <name>HomeNet</name>
        <ExtendedData>
          <Data name="BSSID"><value>aa:bb:cc:dd:ee:ff</value></Data>
          <Data name="Encryption"><value>WPA2-PSK</value></Data>
          <Data name="Signal"><value>-62</value></Data>
          <Data name="Channel"><value>6</value></Data>
        </ExtendedData>
        <TimeStamp><when>2021-06-15T10:30:00Z</when></TimeStamp>
        <Point><coordinates>13.4050,52.5200,0</coordinates></Point>
      </Placemark>
    </Folder>
  </Document>
</kml>`

	networks, err := parseKML(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(networks))
	}

	n := networks[0]
	// KML stores lon,lat; the parser must swap.
	if n.Latitude != 52.52 || n.Longitude != 13.405 {
		t.Errorf("coordinates = %v,%v, want 52.52,13.405", n.Latitude, n.Longitude)
	}
	if n.BSSID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("BSSID = %q", n.BSSID)
	}
	if n.SSID != "HomeNet" {
		t.Errorf("SSID = %q", n.SSID)
	}
	if n.Encryption != model.EncryptionWPA2 {
		t.Errorf("Encryption = %q, want WPA2", n.Encryption)
	}
	if n.SignalStrength != -62 {
		t.Errorf("SignalStrength = %d", n.SignalStrength)
	}
	if n.Channel == nil || *n.Channel != 6 {
		t.Errorf("Channel = %v, want 6", n.Channel)
	}
}

func TestKMLDescriptionFallback(t *testing.T) {
	content := `<kml><Document>
  <Placemark>
    <name>CafeNet</name>
    <description>BSSID: 11:22:33:44:55:66
Signal: -75
Encryption: WEP</description>
    <Point><coordinates>2.3522,48.8566</coordinates></Point>
  </Placemark>
</Document></kml>`

	networks, err := parseKML(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(networks))
	}

	n := networks[0]
	if n.BSSID != "11:22:33:44:55:66" {
		t.Errorf("BSSID = %q", n.BSSID)
	}
	if n.SignalStrength != -75 {
		t.Errorf("SignalStrength = %d", n.SignalStrength)
	}
	if n.Encryption != model.EncryptionWEP {
		t.Errorf("Encryption = %q, want WEP", n.Encryption)
	}
}

func TestKMLSkipsWaypointPlacemarks(t *testing.T) {
	content := `<kml><Document>
  <Placemark>
    <name>Just a pin</name>
    <Point><coordinates>2.3522,48.8566</coordinates></Point>
  </Placemark>
  <Placemark>
    <name>NoCoordinates</name>
    <ExtendedData><Data name="bssid"><value>aa:bb:cc:dd:ee:01</value></Data></ExtendedData>
  </Placemark>
</Document></kml>`

	networks, err := parseKML(t, content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(networks) != 0 {
		t.Fatalf("placemarks without bssid or coordinates must be skipped, got %d", len(networks))
	}
}

func TestKMLMalformedXML(t *testing.T) {
	_, err := parseKML(t, "<kml><Document><Placemark></kml>")
	var parseErr *parser.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for malformed XML, got %v", err)
	}
}
