package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/tracking"
)

var (
	pickup = models.Coord{Lat: 28.6139, Lon: 77.2090}
	nearby = models.Coord{Lat: 28.6200, Lon: 77.2090}
	far    = models.Coord{Lat: 28.9000, Lon: 77.5000}
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Emit(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func newTestManager(t *testing.T, interval time.Duration) (*Manager, *storage.MemoryStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	rec := &recorder{}
	m := NewManager(Config{
		Store:    store,
		Notifier: rec,
		Tracking: tracking.Config{Interval: interval, StepDegrees: 0.004},
	})
	t.Cleanup(m.Close)
	return m, store, rec
}

func poolWith(vehicles ...models.Vehicle) *geo.Index {
	idx := geo.NewIndex()
	for _, v := range vehicles {
		v.Available = true
		idx.Upsert(v)
	}
	return idx
}

func waitStatus(t *testing.T, m *Manager, id string, want models.BookingStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		b, err := m.Get(id)
		return err == nil && b.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.BookingStatus
		ok       bool
	}{
		{models.StatusRequested, models.StatusDispatched, true},
		{models.StatusRequested, models.StatusCancelled, true},
		{models.StatusDispatched, models.StatusEnRoute, true},
		{models.StatusEnRoute, models.StatusArrived, true},
		{models.StatusEnRoute, models.StatusCancelled, true},
		{models.StatusArrived, models.StatusCompleted, true},
		{models.StatusArrived, models.StatusCancelled, false},
		{models.StatusRequested, models.StatusEnRoute, false},
		{models.StatusCompleted, models.StatusDispatched, false},
		{models.StatusCancelled, models.StatusRequested, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, IsTerminal(models.StatusCompleted))
	assert.True(t, IsTerminal(models.StatusCancelled))
	assert.False(t, IsTerminal(models.StatusArrived))
}

func TestRequestValidates(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.Request(ctx, models.Coord{Lat: 91, Lon: 0}, nearby, models.UrgencyHigh)
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)

	_, err = m.Request(ctx, pickup, nearby, models.UrgencyTier("urgent"))
	assert.Error(t, err)

	b, err := m.Request(ctx, pickup, nearby, models.UrgencyLow)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, b.Status)
	assert.InDelta(t, geo.Distance(pickup, nearby), b.DistanceKm, 1e-9)
	assert.Greater(t, b.FareTotal, 0.0)
}

func TestDispatchEmptyPoolKeepsRequested(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	b, err := m.Request(ctx, pickup, nearby, models.UrgencyCritical)
	require.NoError(t, err)

	_, err = m.Dispatch(ctx, b.ID, geo.NewIndex())
	require.ErrorIs(t, err, matcher.ErrNoVehicleAvailable)

	got, err := m.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, got.Status)
	assert.Empty(t, got.VehicleID)
	assert.Empty(t, got.Route)
}

func TestDispatchPlansRouteFromVehicle(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	vLoc := models.Coord{Lat: 28.6100, Lon: 77.2000}
	pool := poolWith(models.Vehicle{ID: "amb-1", Loc: vLoc})

	b, err := m.Request(ctx, pickup, nearby, models.UrgencyHigh)
	require.NoError(t, err)
	d, err := m.Dispatch(ctx, b.ID, pool)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDispatched, d.Status)
	assert.Equal(t, "amb-1", d.VehicleID)
	require.NotEmpty(t, d.Route)
	assert.Equal(t, vLoc, d.Route[0])
	assert.Equal(t, nearby, d.Route[len(d.Route)-1])
	assert.GreaterOrEqual(t, d.ETAMinutes, 1.0)

	v, _ := pool.Get("amb-1")
	assert.False(t, v.Available)
	assert.Equal(t, b.ID, v.BookingID)

	_, err = m.Dispatch(ctx, b.ID, pool)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.StatusDispatched, te.From)
}

func TestFullLifecycle(t *testing.T) {
	m, store, rec := newTestManager(t, 5*time.Millisecond)
	ctx := context.Background()
	pool := poolWith(models.Vehicle{ID: "amb-1", Loc: pickup})

	b, err := m.Request(ctx, pickup, nearby, models.UrgencyCritical)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, b.ID, pool)
	require.NoError(t, err)
	en, err := m.StartTracking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, en.Status)

	waitStatus(t, m, b.ID, models.StatusArrived)
	v, _ := pool.Get("amb-1")
	assert.Equal(t, nearby, v.Loc)
	assert.False(t, v.Available, "vehicle stays bound until completion")

	done, q, err := m.Complete(ctx, b.ID, models.PaymentUPI)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, q.Total, done.FareTotal)
	assert.Equal(t, models.PaymentUPI, done.PaymentMethod)
	v, _ = pool.Get("amb-1")
	assert.True(t, v.Available)
	assert.Empty(t, v.BookingID)

	_, err = m.Dispatch(ctx, b.ID, pool)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Cancel(ctx, b.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m.Close()
	stored, ok := store.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	var statuses []models.BookingStatus
	for _, e := range rec.all() {
		if e.Type == models.EventStatusChanged {
			statuses = append(statuses, e.Payload.(models.StatusChange).To)
		}
	}
	assert.Equal(t, []models.BookingStatus{
		models.StatusRequested, models.StatusDispatched, models.StatusEnRoute,
		models.StatusArrived, models.StatusCompleted,
	}, statuses)
}

func TestCompleteRequiresArrival(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	b, err := m.Request(ctx, pickup, nearby, models.UrgencyMedium)
	require.NoError(t, err)

	_, _, err = m.Complete(ctx, b.ID, models.PaymentCash)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.StatusRequested, te.From)
	assert.Equal(t, models.StatusCompleted, te.To)

	_, _, err = m.Complete(ctx, b.ID, models.PaymentMethod("cheque"))
	assert.Error(t, err)
}

func TestCancelStopsTrackingBeforeRelease(t *testing.T) {
	m, _, rec := newTestManager(t, time.Millisecond)
	ctx := context.Background()
	pool := poolWith(models.Vehicle{ID: "amb-1", Loc: pickup})

	b, err := m.Request(ctx, pickup, far, models.UrgencyHigh)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, b.ID, pool)
	require.NoError(t, err)
	_, err = m.StartTracking(ctx, b.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := pool.Get("amb-1")
		return v.Loc != pickup
	}, time.Second, time.Millisecond)

	c, err := m.Cancel(ctx, b.ID, "patient transported privately")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, c.Status)
	assert.Equal(t, "patient transported privately", c.CancelReason)

	v, _ := pool.Get("amb-1")
	assert.True(t, v.Available)
	parked := v.Loc
	time.Sleep(20 * time.Millisecond)
	v, _ = pool.Get("amb-1")
	assert.Equal(t, parked, v.Loc, "vehicle moved after cancellation")

	m.Close()
	events := rec.all()
	cancelledAt := -1
	for i, e := range events {
		if e.Type == models.EventStatusChanged && e.Payload.(models.StatusChange).To == models.StatusCancelled {
			cancelledAt = i
		}
	}
	require.GreaterOrEqual(t, cancelledAt, 0)
	for _, e := range events[cancelledAt+1:] {
		assert.NotEqual(t, models.EventPositionUpdated, e.Type)
	}
}

func TestStopAndResumeTracking(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Millisecond)
	ctx := context.Background()
	pool := poolWith(models.Vehicle{ID: "amb-1", Loc: pickup})
	dest := models.Coord{Lat: 28.6500, Lon: 77.2090}

	b, err := m.Request(ctx, pickup, dest, models.UrgencyLow)
	require.NoError(t, err)
	_, err = m.Dispatch(ctx, b.ID, pool)
	require.NoError(t, err)
	_, err = m.StartTracking(ctx, b.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, _ := pool.Get("amb-1")
		return v.Loc != pickup
	}, time.Second, time.Millisecond)

	s, err := m.StopTracking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, s.Status)
	v, _ := pool.Get("amb-1")
	stoppedAt := v.Loc
	time.Sleep(30 * time.Millisecond)
	v, _ = pool.Get("amb-1")
	assert.Equal(t, stoppedAt, v.Loc)

	r, err := m.StartTracking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, r.Status)
	waitStatus(t, m, b.ID, models.StatusArrived)
	v, _ = pool.Get("amb-1")
	assert.Equal(t, dest, v.Loc)
}

func TestUnknownBooking(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Cancel(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentDispatchSingleVehicle(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	pool := poolWith(models.Vehicle{ID: "amb-1", Loc: pickup})

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		b, err := m.Request(ctx, pickup, nearby, models.UrgencyHigh)
		require.NoError(t, err)
		ids[i] = b.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Dispatch(ctx, id, pool); err == nil {
				mu.Lock()
				assigned++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, assigned)
}
