package matcher

import (
	"errors"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

var ErrNoVehicleAvailable = errors.New("no vehicle available")

// Pool is the subset of the vehicle pool the selector needs.
type Pool interface {
	Nearby(c models.Coord, limit int) []models.Vehicle
	Claim(id, bookingID string) (models.Vehicle, bool)
}

type Selector struct {
	TopN int
}

// Select claims the nearest available vehicle for bookingID. Candidates that
// lose a concurrent claim are skipped in favour of the next nearest.
func (s *Selector) Select(pool Pool, bookingID string, pickup models.Coord) (models.Vehicle, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	for _, cand := range pool.Nearby(pickup, topN) {
		if v, ok := pool.Claim(cand.ID, bookingID); ok {
			observability.DispatchesTotal.WithLabelValues("assigned").Inc()
			return v, nil
		}
	}
	observability.DispatchesTotal.WithLabelValues("no_vehicle").Inc()
	return models.Vehicle{}, ErrNoVehicleAvailable
}
