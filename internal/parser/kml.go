package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/validate"
)

// KML parses KML exports: one placemark per sighting, with network metadata
// in ExtendedData elements or a "key: value" description block.
type KML struct {
	Logger *slog.Logger
}

func (p *KML) FormatName() string { return "KML" }

func (p *KML) CanParse(filename string, sample []byte) bool {
	if !strings.HasSuffix(strings.ToLower(filename), ".kml") {
		return false
	}
	return bytes.Contains(sample, []byte("<kml")) && bytes.Contains(sample, []byte("</kml>"))
}

// kmlPlacemark mirrors the subset of the placemark schema this parser reads.
// Placemarks can nest arbitrarily deep inside Document/Folder elements, so
// they are collected with a token scan rather than a fixed document shape.
type kmlPlacemark struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	TimeStamp   struct {
		When string `xml:"when"`
	} `xml:"TimeStamp"`
	Point struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
	ExtendedData struct {
		Data []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value"`
		} `xml:"Data"`
		SimpleData []kmlSimpleData `xml:"SimpleData"`
		SchemaData []struct {
			SimpleData []kmlSimpleData `xml:"SimpleData"`
		} `xml:"SchemaData"`
	} `xml:"ExtendedData"`
}

type kmlSimpleData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

func (p *KML) Parse(ctx context.Context, src Source, progress ProgressFunc) ([]model.ParsedNetwork, error) {
	placemarks, err := collectPlacemarks(src.Content)
	if err != nil {
		return nil, &ParseError{Format: p.FormatName(), Msg: "invalid KML XML: " + err.Error()}
	}

	total := len(placemarks)
	networks := make([]model.ParsedNetwork, 0, total)

	for chunkStart := 0; chunkStart < total; chunkStart += ChunkSize {
		chunkEnd := min(chunkStart+ChunkSize, total)

		for i := chunkStart; i < chunkEnd; i++ {
			if rec := p.parsePlacemark(&placemarks[i]); rec != nil {
				networks = append(networks, *rec)
			}
		}

		if progress != nil {
			progress(float64(chunkEnd)/float64(total)*100,
				"parsed "+strconv.Itoa(chunkEnd)+" of "+strconv.Itoa(total)+" placemarks")
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
	p.logger().Info("KML parse complete",
		slog.Int("placemarks", total), slog.Int("networks", len(networks)))

	return networks, nil
}

func collectPlacemarks(content []byte) ([]kmlPlacemark, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var placemarks []kmlPlacemark

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return placemarks, nil
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "Placemark" {
			var pm kmlPlacemark
			if err := dec.DecodeElement(&pm, &start); err != nil {
				return nil, err
			}
			placemarks = append(placemarks, pm)
		}
	}
}

// parsePlacemark returns nil for placemarks without usable coordinates or a
// bssid-like key; such placemarks are waypoints, not networks.
func (p *KML) parsePlacemark(pm *kmlPlacemark) *model.ParsedNetwork {
	coords := strings.Split(strings.TrimSpace(pm.Point.Coordinates), ",")
	if len(coords) < 2 {
		return nil
	}

	// KML stores lon,lat order; swap to lat,lon.
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
	lat, latErr := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
	if latErr != nil || lonErr != nil || !validate.Latitude(lat) || !validate.Longitude(lon) {
		return nil
	}

	data := p.extendedData(pm)

	bssid := firstValue(data, "bssid", "mac")
	if bssid == "" {
		return nil
	}

	ssid := firstValue(data, "ssid", "name")
	if ssid == "" {
		ssid = strings.TrimSpace(pm.Name)
	}

	signal := defaultSignal
	if sigStr := firstValue(data, "signal", "rssi"); sigStr != "" {
		if f, err := strconv.ParseFloat(sigStr, 64); err == nil {
			signal = int(f)
		}
	}

	var channel *int
	if chStr := firstValue(data, "channel"); chStr != "" {
		if ch, err := strconv.Atoi(chStr); err == nil {
			channel = &ch
		}
	}

	tsStr := firstValue(data, "timestamp", "time")
	if tsStr == "" {
		tsStr = strings.TrimSpace(pm.TimeStamp.When)
	}

	return &model.ParsedNetwork{
		BSSID:          strings.ToUpper(bssid),
		SSID:           ssid,
		Latitude:       lat,
		Longitude:      lon,
		SignalStrength: signal,
		Timestamp:      parseTimestamp(tsStr),
		Encryption:     normalizeEncryption(firstValue(data, "encryption", "authmode")),
		Channel:        channel,
		Type:           normalizeNetworkType(firstValue(data, "type", "networktype")),
	}
}

// extendedData flattens Data, SimpleData and description key-value pairs into
// one lowercase-keyed map. Description entries never override structured ones.
func (p *KML) extendedData(pm *kmlPlacemark) map[string]string {
	data := make(map[string]string)

	put := func(name, value string) {
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			data[name] = value
		}
	}

	for _, d := range pm.ExtendedData.Data {
		put(d.Name, d.Value)
	}
	for _, d := range pm.ExtendedData.SimpleData {
		put(d.Name, d.Value)
	}
	for _, sd := range pm.ExtendedData.SchemaData {
		for _, d := range sd.SimpleData {
			put(d.Name, d.Value)
		}
	}

	for _, line := range strings.FieldsFunc(pm.Description, func(r rune) bool { return r == '\n' || r == '\r' }) {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			if _, exists := data[key]; !exists {
				data[key] = value
			}
		}
	}

	return data
}

func firstValue(data map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			return v
		}
	}
	return ""
}

func (p *KML) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
