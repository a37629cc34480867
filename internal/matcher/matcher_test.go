package matcher

import (
	"errors"
	"testing"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// racingPool reports candidates that have already been claimed elsewhere.
type racingPool struct {
	cands   []models.Vehicle
	claimed map[string]bool
}

func (p *racingPool) Nearby(c models.Coord, limit int) []models.Vehicle { return p.cands }

func (p *racingPool) Claim(id, bookingID string) (models.Vehicle, bool) {
	if p.claimed[id] {
		return models.Vehicle{}, false
	}
	p.claimed[id] = true
	for _, v := range p.cands {
		if v.ID == id {
			v.Available = false
			v.BookingID = bookingID
			return v, true
		}
	}
	return models.Vehicle{}, false
}

func TestSelectNearest(t *testing.T) {
	idx := geo.NewIndex()
	idx.Upsert(models.Vehicle{ID: "A", Loc: models.Coord{Lat: 28.70, Lon: 77.10}, Available: true})
	idx.Upsert(models.Vehicle{ID: "B", Loc: models.Coord{Lat: 28.6140, Lon: 77.2091}, Available: true})

	s := &Selector{TopN: 5}
	v, err := s.Select(idx, "b1", models.Coord{Lat: 28.6139, Lon: 77.2090})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ID != "B" {
		t.Fatalf("expected B, got %s", v.ID)
	}
	got, _ := idx.Get("B")
	if got.Available || got.BookingID != "b1" {
		t.Fatalf("expected B claimed by b1, got %+v", got)
	}
}

func TestSelectSkipsLostClaim(t *testing.T) {
	p := &racingPool{
		cands:   []models.Vehicle{{ID: "near", Available: true}, {ID: "next", Available: true}},
		claimed: map[string]bool{"near": true},
	}
	v, err := (&Selector{}).Select(p, "b1", models.Coord{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.ID != "next" {
		t.Fatalf("expected next, got %s", v.ID)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	_, err := (&Selector{TopN: 3}).Select(geo.NewIndex(), "b1", models.Coord{})
	if !errors.Is(err, ErrNoVehicleAvailable) {
		t.Fatalf("expected ErrNoVehicleAvailable, got %v", err)
	}
}

func TestSelectAllBusy(t *testing.T) {
	idx := geo.NewIndex()
	idx.Upsert(models.Vehicle{ID: "A", Available: true})
	if _, err := (&Selector{}).Select(idx, "b1", models.Coord{}); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if _, err := (&Selector{}).Select(idx, "b2", models.Coord{}); !errors.Is(err, ErrNoVehicleAvailable) {
		t.Fatalf("expected ErrNoVehicleAvailable, got %v", err)
	}
}
