package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func sampleBooking() *models.Booking {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Booking{
		ID:          uuid.NewString(),
		Pickup:      models.Coord{Lat: 28.6139, Lon: 77.2090},
		Destination: models.Coord{Lat: 28.6149, Lon: 77.2100},
		Urgency:     models.UrgencyHigh,
		Status:      models.StatusRequested,
		DistanceKm:  0.14,
		FareTotal:   1770,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStoreCopiesOnWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	b := sampleBooking()
	require.NoError(t, m.SaveBooking(ctx, b))

	b.Status = models.StatusDispatched
	b.Route = []models.Coord{{Lat: 1, Lon: 1}}
	got, ok := m.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusRequested, got.Status, "caller mutation leaked into store")

	require.NoError(t, m.UpdateBooking(ctx, b))
	got, _ = m.Get(b.ID)
	assert.Equal(t, models.StatusDispatched, got.Status)
	got.Route[0].Lat = 99
	again, _ := m.Get(b.ID)
	assert.Equal(t, 1.0, again.Route[0].Lat)
}

func TestMemoryStoreUpdateUnknown(t *testing.T) {
	err := NewMemoryStore().UpdateBooking(context.Background(), sampleBooking())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreListOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	first := sampleBooking()
	second := sampleBooking()
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, m.SaveBooking(ctx, second))
	require.NoError(t, m.SaveBooking(ctx, first))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("AMBULANCE_TEST_DSN")
	if dsn == "" {
		t.Skip("AMBULANCE_TEST_DSN not set; skipping DB-backed test")
	}
	ctx := context.Background()
	p, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Migrate(ctx, filepath.Join("..", "..", "migrations", "001_create_bookings.sql")))

	b := sampleBooking()
	require.NoError(t, p.SaveBooking(ctx, b))

	b.Status = models.StatusDispatched
	b.VehicleID = "amb-7"
	b.Route = []models.Coord{b.Pickup, b.Destination}
	b.ETAMinutes = 1
	require.NoError(t, p.UpdateBooking(ctx, b))

	got, err := p.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDispatched, got.Status)
	assert.Equal(t, "amb-7", got.VehicleID)
	assert.Equal(t, b.Route, got.Route)
	assert.Equal(t, models.UrgencyHigh, got.Urgency)

	_, err = p.GetBooking(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
