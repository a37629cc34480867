package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestGeneratePointCountAndEndpoints(t *testing.T) {
	origin := models.Coord{Lat: 28.6139, Lon: 77.2090}
	dest := models.Coord{Lat: 28.7041, Lon: 77.1025}
	for _, steps := range []int{1, 2, 3, 7, 10, 50} {
		p, err := Generate(origin, dest, steps, DefaultMinutesPerKm)
		require.NoError(t, err)
		require.Len(t, p.Points, steps+1)
		assert.Equal(t, origin, p.Points[0])
		assert.Equal(t, dest, p.Points[steps])
	}
}

func TestGenerateInterpolatesLinearly(t *testing.T) {
	p, err := Generate(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: -2}, 4, DefaultMinutesPerKm)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.Points[2].Lat, 1e-12)
	assert.InDelta(t, -1.0, p.Points[2].Lon, 1e-12)
	assert.InDelta(t, 0.25, p.Points[1].Lat, 1e-12)
}

func TestGenerateETA(t *testing.T) {
	// 1 degree of latitude is ~111.19km -> 222 minutes at 2 min/km
	p, err := Generate(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0}, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 222.0, p.ETAMinutes)
	assert.InDelta(t, 111.19, p.DistanceKm, 0.01)
}

func TestGenerateSamePoint(t *testing.T) {
	c := models.Coord{Lat: 10, Lon: 10}
	p, err := Generate(c, c, 3, 2)
	require.NoError(t, err)
	assert.Len(t, p.Points, 4)
	assert.Equal(t, 0.0, p.ETAMinutes)
}

func TestGenerateRejectsSteps(t *testing.T) {
	_, err := Generate(models.Coord{}, models.Coord{Lat: 1}, 0, 2)
	assert.True(t, errors.Is(err, ErrInvalidSteps))
}

func TestETAMinutes(t *testing.T) {
	assert.Equal(t, 0.0, ETAMinutes(0, 2))
	assert.Equal(t, 1.0, ETAMinutes(0.01, 2))
	assert.Equal(t, 1.0, ETAMinutes(0.14, 2))
	assert.Equal(t, 10.0, ETAMinutes(5, 2))
	assert.Equal(t, 11.0, ETAMinutes(5.3, 2))
}
