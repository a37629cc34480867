package geo

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Distance returns the haversine great-circle distance in kilometres.
func Distance(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Validate rejects coordinates outside [-90,90] x [-180,180].
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v must be between -90 and 90", ErrInvalidCoordinate, c.Lat)
	}
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v must be between -180 and 180", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

// Index is the in-memory vehicle pool. Claim and Release are the only
// operations that flip availability.
type Index struct {
	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
}

func NewIndex() *Index {
	return &Index{vehicles: make(map[string]models.Vehicle)}
}

// Upsert applies a feed report and returns the stored vehicle. A vehicle
// bound to a booking keeps its binding and location; only Claim, Move and
// Release change those. A free vehicle reported unavailable goes offline
// and is removed, so the second result is false.
func (g *Index) Upsert(v models.Vehicle) (models.Vehicle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.vehicles[v.ID]; ok && cur.BookingID != "" {
		cur.Updated = time.Now()
		g.vehicles[v.ID] = cur
		return cur, true
	}
	if !v.Available {
		delete(g.vehicles, v.ID)
		return models.Vehicle{}, false
	}
	v.BookingID = ""
	v.Updated = time.Now()
	g.vehicles[v.ID] = v
	return v, true
}

func (g *Index) Get(id string) (models.Vehicle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vehicles[id]
	return v, ok
}

// Nearby returns up to limit available vehicles ordered by distance from c.
func (g *Index) Nearby(c models.Coord, limit int) []models.Vehicle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		v    models.Vehicle
		dist float64
	}
	arr := make([]pair, 0, len(g.vehicles))
	for _, v := range g.vehicles {
		if !v.Available {
			continue
		}
		arr = append(arr, pair{v, Distance(c, v.Loc)})
	}
	// partial selection sort for top-N, ties broken by id for determinism
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist || (arr[j].dist == arr[minIdx].dist && arr[j].v.ID < arr[minIdx].v.ID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Vehicle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].v)
	}
	return out
}

// Claim atomically marks an available vehicle as bound to bookingID.
func (g *Index) Claim(id, bookingID string) (models.Vehicle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vehicles[id]
	if !ok || !v.Available {
		return models.Vehicle{}, false
	}
	v.Available = false
	v.BookingID = bookingID
	v.Updated = time.Now()
	g.vehicles[id] = v
	return v, true
}

// Release returns a vehicle to the pool if it is still bound to bookingID.
func (g *Index) Release(id, bookingID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vehicles[id]
	if !ok || v.BookingID != bookingID {
		return false
	}
	v.Available = true
	v.BookingID = ""
	v.Updated = time.Now()
	g.vehicles[id] = v
	return true
}

// Move updates the location of a vehicle held by bookingID.
func (g *Index) Move(id, bookingID string, c models.Coord) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vehicles[id]
	if !ok || v.BookingID != bookingID {
		return false
	}
	v.Loc = c
	v.Updated = time.Now()
	g.vehicles[id] = v
	return true
}

func (g *Index) Snapshot() []models.Vehicle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Vehicle, 0, len(g.vehicles))
	for _, v := range g.vehicles {
		out = append(out, v)
	}
	return out
}

// Available counts vehicles that can be claimed.
func (g *Index) Available() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, v := range g.vehicles {
		if v.Available {
			n++
		}
	}
	return n
}
