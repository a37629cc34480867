// Package route builds straight-line travel plans. It is a simulation
// primitive and performs no road-network lookups.
package route

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// DefaultMinutesPerKm corresponds to an average speed of 30 km/h.
const DefaultMinutesPerKm = 2.0

var ErrInvalidSteps = errors.New("steps must be >= 1")

type Plan struct {
	Points     []models.Coord `json:"points"`
	ETAMinutes float64        `json:"eta_minutes"`
	DistanceKm float64        `json:"distance_km"`
}

// Generate interpolates steps+1 points from origin to dest. The first and
// last points are origin and dest exactly.
func Generate(origin, dest models.Coord, steps int, minutesPerKm float64) (Plan, error) {
	if steps < 1 {
		return Plan{}, fmt.Errorf("%w: got %d", ErrInvalidSteps, steps)
	}
	if minutesPerKm <= 0 {
		minutesPerKm = DefaultMinutesPerKm
	}
	dLat := dest.Lat - origin.Lat
	dLon := dest.Lon - origin.Lon

	points := make([]models.Coord, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		points[i] = models.Coord{Lat: origin.Lat + dLat*f, Lon: origin.Lon + dLon*f}
	}
	points[0] = origin
	points[steps] = dest

	km := geo.Distance(origin, dest)
	return Plan{Points: points, ETAMinutes: ETAMinutes(km, minutesPerKm), DistanceKm: km}, nil
}

// ETAMinutes rounds distance*factor, never reporting less than a minute for a
// non-zero distance.
func ETAMinutes(distanceKm, minutesPerKm float64) float64 {
	if distanceKm <= 0 {
		return 0
	}
	return math.Max(1, math.Round(distanceKm*minutesPerKm))
}
