package model

import "time"

// NetworkType identifies the radio technology a network was observed on.
type NetworkType string

const (
	TypeWiFi NetworkType = "WIFI"
	TypeBLE  NetworkType = "BLE"
	TypeLTE  NetworkType = "LTE"
)

// Encryption levels recognised across all capture formats.
const (
	EncryptionOpen    = "Open"
	EncryptionWEP     = "WEP"
	EncryptionWPA     = "WPA"
	EncryptionWPA2    = "WPA2"
	EncryptionWPA3    = "WPA3"
	EncryptionUnknown = "Unknown"
)

// Network is one unique wireless emitter with its refined position estimate.
// BSSID is a canonical colon-grouped MAC for WIFI/BLE networks and an opaque
// cell identifier for LTE.
type Network struct {
	ID               int64
	BSSID            string
	SSID             string
	Encryption       string
	Channel          *int
	Manufacturer     string
	FirstSeen        time.Time
	LastSeen         time.Time
	ObservationCount int64
	BestLat          float64
	BestLon          float64
	BestSignal       int
	Type             NetworkType
}

// Observation is a single GPS-tagged sighting of a network. Observations are
// append-only; they exist solely to refine the network's position estimate.
type Observation struct {
	ID             int64
	NetworkID      int64
	Latitude       float64
	Longitude      float64
	SignalStrength int
	Timestamp      time.Time
}

// ParsedNetwork is the interchange record every parser produces, one per
// source row/placemark, before it is split into network and observation parts.
type ParsedNetwork struct {
	BSSID          string
	SSID           string
	Latitude       float64
	Longitude      float64
	SignalStrength int
	Timestamp      time.Time
	Encryption     string
	Channel        *int
	Type           NetworkType
}

// NetworkInput carries the network-identity half of an upsert.
type NetworkInput struct {
	BSSID        string
	SSID         string
	Encryption   string
	Channel      *int
	Manufacturer string
	Type         NetworkType
}

// ObservationInput carries the sighting half of an upsert.
type ObservationInput struct {
	Latitude       float64
	Longitude      float64
	SignalStrength int
	Timestamp      time.Time
}

// BatchItem pairs a network with the observation that produced it.
type BatchItem struct {
	Network     NetworkInput
	Observation ObservationInput
}

// Bounds is a geographic bounding box (south<=lat<=north, west<=lon<=east).
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// DateRange filters on last_seen.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NetworkFilter is a conjunction of optional predicates. Zero values mean
// "no constraint" for that predicate.
type NetworkFilter struct {
	SSID       string
	BSSID      string
	Encryption []string
	Bounds     *Bounds
	DateRange  *DateRange
	MinSignal  *int
	Types      []NetworkType
	Limit      int
	Offset     int
}

// ViewportOnly reports whether the filter is a pure bounding-box query
// (optionally paginated), the only shape served from the viewport cache.
func (f NetworkFilter) ViewportOnly() bool {
	return f.Bounds != nil &&
		f.SSID == "" &&
		f.BSSID == "" &&
		len(f.Encryption) == 0 &&
		f.DateRange == nil &&
		f.MinSignal == nil &&
		len(f.Types) == 0
}

// ImportResult aggregates the outcome of an import operation.
type ImportResult struct {
	NetworksImported  int
	NetworksUpdated   int
	ObservationsAdded int
	Errors            []string
}

// Merge folds another result into this one.
func (r *ImportResult) Merge(other ImportResult) {
	r.NetworksImported += other.NetworksImported
	r.NetworksUpdated += other.NetworksUpdated
	r.ObservationsAdded += other.ObservationsAdded
	r.Errors = append(r.Errors, other.Errors...)
}
