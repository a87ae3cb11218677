// Package geo estimates a network's position from its accumulated
// observations.
package geo

import (
	"errors"
	"math"

	"github.com/golang/geo/s2"

	"github.com/openwardrive/netatlas/internal/model"
)

// earthRadiusMeters matches the mean radius used by s2 examples.
const earthRadiusMeters = 6371010.0

// Position is a WGS84 point in degrees.
type Position struct {
	Latitude  float64
	Longitude float64
}

// ErrNoObservations is returned when a centroid is requested for an empty set.
var ErrNoObservations = errors.New("geo: cannot calculate centroid with no observations")

// WeightedCentroid computes the signal-weighted centroid of a network's
// observations. Each observation is weighted by the square of its absolute
// signal strength in dBm. A single observation is returned verbatim.
func WeightedCentroid(observations []model.Observation) (Position, error) {
	if len(observations) == 0 {
		return Position{}, ErrNoObservations
	}

	if len(observations) == 1 {
		return Position{
			Latitude:  observations[0].Latitude,
			Longitude: observations[0].Longitude,
		}, nil
	}

	var totalWeight, weightedLat, weightedLon float64
	for _, obs := range observations {
		// Absolute value: signal strength is a negative dBm figure where a
		// smaller magnitude means a stronger reading.
		weight := math.Pow(math.Abs(float64(obs.SignalStrength)), 2)
		totalWeight += weight
		weightedLat += obs.Latitude * weight
		weightedLon += obs.Longitude * weight
	}

	return Position{
		Latitude:  weightedLat / totalWeight,
		Longitude: weightedLon / totalWeight,
	}, nil
}

// SpreadRadius returns the greatest great-circle distance in meters from the
// centroid to any observation. It serves as a rough confidence radius for the
// position estimate: tight clusters produce small values, drive-by sightings
// scattered along a road produce large ones.
func SpreadRadius(observations []model.Observation, center Position) float64 {
	if len(observations) == 0 {
		return 0
	}

	c := s2.LatLngFromDegrees(center.Latitude, center.Longitude)
	var max float64
	for _, obs := range observations {
		p := s2.LatLngFromDegrees(obs.Latitude, obs.Longitude)
		if d := c.Distance(p).Radians() * earthRadiusMeters; d > max {
			max = d
		}
	}
	return max
}
