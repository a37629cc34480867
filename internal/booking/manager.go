package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/fare"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/route"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/tracking"
)

// Pool is the vehicle pool a booking is dispatched from.
type Pool interface {
	matcher.Pool
	Get(id string) (models.Vehicle, bool)
	Release(id, bookingID string) bool
	Move(id, bookingID string, c models.Coord) bool
}

type Config struct {
	Store        storage.BookingStore
	Notifier     notify.Notifier
	Fares        *fare.Engine
	Selector     *matcher.Selector
	Tracking     tracking.Config
	RouteSteps   int
	MinutesPerKm float64
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Manager owns every live booking and drives it through the lifecycle.
//
// Lock order is loop, then entry, then pool. The tracking sink runs with the
// loop lock held and takes the entry lock, so nothing may call into a Loop
// while holding an entry lock.
type Manager struct {
	store        storage.BookingStore
	notifier     notify.Notifier
	fares        *fare.Engine
	selector     *matcher.Selector
	tracking     tracking.Config
	routeSteps   int
	minutesPerKm float64
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	bookings map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc

	outMu     sync.RWMutex
	out       chan job
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type entry struct {
	mu   sync.Mutex
	b    *models.Booking
	pool Pool
	loop *tracking.Loop
	gen  int // bumped whenever the loop is replaced or detached
}

// job is one ordered unit of outbox work.
type job struct {
	snapshot *models.Booking
	event    *models.Event
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogSink{Logger: cfg.Logger}
	}
	if cfg.Fares == nil {
		cfg.Fares = fare.NewEngine(fare.DefaultRateCard())
	}
	if cfg.Selector == nil {
		cfg.Selector = &matcher.Selector{}
	}
	if cfg.RouteSteps <= 0 {
		cfg.RouteSteps = 20
	}
	if cfg.MinutesPerKm <= 0 {
		cfg.MinutesPerKm = route.DefaultMinutesPerKm
	}
	if cfg.Tracking.MinutesPerKm <= 0 {
		cfg.Tracking.MinutesPerKm = cfg.MinutesPerKm
	}
	if cfg.Tracking.Logger == nil {
		cfg.Tracking.Logger = cfg.Logger
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		fares:        cfg.Fares,
		selector:     cfg.Selector,
		tracking:     cfg.Tracking,
		routeSteps:   cfg.RouteSteps,
		minutesPerKm: cfg.MinutesPerKm,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		now:          func() time.Time { return time.Now().UTC() },
		bookings:     make(map[string]*entry),
		ctx:          ctx,
		cancel:       cancel,
		out:          make(chan job, cfg.QueueSize),
	}
	m.wg.Add(1)
	go m.drain()
	return m
}

// Request validates and records a new booking. The stored fare is a cash
// quote; the final price is computed again on completion.
func (m *Manager) Request(ctx context.Context, pickup, destination models.Coord, tier models.UrgencyTier) (*models.Booking, error) {
	if err := geo.Validate(pickup); err != nil {
		return nil, fmt.Errorf("pickup: %w", err)
	}
	if err := geo.Validate(destination); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	km := geo.Distance(pickup, destination)
	q, err := m.Quote(km, tier, models.PaymentCash)
	if err != nil {
		return nil, err
	}

	now := m.now()
	b := &models.Booking{
		ID:            uuid.NewString(),
		Pickup:        pickup,
		Destination:   destination,
		Urgency:       tier,
		Status:        models.StatusRequested,
		DistanceKm:    km,
		FareTotal:     q.Total,
		PaymentMethod: models.PaymentCash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.SaveBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("save booking: %w", err)
	}

	snap, ev := b.Clone(), statusEvent(b, "")

	m.mu.Lock()
	m.bookings[b.ID] = &entry{b: b}
	m.mu.Unlock()

	observability.BookingsRequested.WithLabelValues(string(tier)).Inc()
	m.logger.Info("booking requested", "booking_id", snap.ID, "urgency", string(tier), "distance_km", km)
	m.enqueue(job{event: ev}, false)
	return snap, nil
}

func (m *Manager) Quote(distanceKm float64, tier models.UrgencyTier, method models.PaymentMethod) (models.FareBreakdown, error) {
	q, err := m.fares.Quote(distanceKm, tier, method)
	if err != nil {
		return q, err
	}
	observability.FareQuotes.Observe(q.Total)
	return q, nil
}

// Dispatch assigns the nearest free vehicle from pool and plans its route to
// the destination. When no vehicle can be claimed the booking stays
// requested and matcher.ErrNoVehicleAvailable is returned.
func (m *Manager) Dispatch(ctx context.Context, id string, pool Pool) (*models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.b.Status
	if !CanTransition(from, models.StatusDispatched) {
		return nil, &TransitionError{From: from, To: models.StatusDispatched}
	}
	v, err := m.selector.Select(pool, id, e.b.Pickup)
	if err != nil {
		return nil, err
	}
	plan, err := route.Generate(v.Loc, e.b.Destination, m.routeSteps, m.minutesPerKm)
	if err != nil {
		pool.Release(v.ID, id)
		return nil, err
	}

	_ = transition(e.b, models.StatusDispatched)
	e.b.VehicleID = v.ID
	e.b.Route = plan.Points
	e.b.ETAMinutes = plan.ETAMinutes
	e.b.UpdatedAt = m.now()
	e.pool = pool

	m.logger.Info("vehicle assigned", "booking_id", id, "vehicle_id", v.ID, "eta_minutes", plan.ETAMinutes)
	snap := e.b.Clone()
	m.announce(snap, from)
	return snap, nil
}

// StartTracking moves a dispatched booking en route and starts its loop. On
// an en_route booking whose loop was stopped it resumes from the vehicle's
// last known position; with a loop still active it is a no-op.
func (m *Manager) StartTracking(ctx context.Context, id string) (*models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.b.Status
	switch {
	case from == models.StatusDispatched:
	case from == models.StatusEnRoute && active(e.loop):
		return e.b.Clone(), nil
	case from == models.StatusEnRoute:
	default:
		return nil, &TransitionError{From: from, To: models.StatusEnRoute}
	}

	origin := e.b.Route[0]
	if e.pool != nil {
		if v, ok := e.pool.Get(e.b.VehicleID); ok {
			origin = v.Loc
		}
	}
	e.gen++
	gen := e.gen
	e.loop = tracking.Start(m.ctx, m.tracking, tracking.Target{
		BookingID:   id,
		VehicleID:   e.b.VehicleID,
		Origin:      origin,
		Destination: e.b.Destination,
	}, tracking.SinkFunc(func(ev models.Event) { m.onTrackingEvent(e, gen, ev) }))

	if from == models.StatusEnRoute {
		m.logger.Info("tracking resumed", "booking_id", id, "vehicle_id", e.b.VehicleID)
		return e.b.Clone(), nil
	}
	_ = transition(e.b, models.StatusEnRoute)
	e.b.UpdatedAt = m.now()
	snap := e.b.Clone()
	m.announce(snap, from)
	return snap, nil
}

// StopTracking halts the loop without changing the booking status. No
// position event for the booking is produced after it returns.
func (m *Manager) StopTracking(ctx context.Context, id string) (*models.Booking, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	loop := m.detach(e)
	snap := e.b.Clone()
	e.mu.Unlock()

	if loop != nil {
		loop.Stop()
		m.logger.Info("tracking stopped", "booking_id", id)
	}
	return snap, nil
}

// Cancel stops any active loop before the vehicle is handed back to the pool.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*models.Booking, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	from := e.b.Status
	if err := transition(e.b, models.StatusCancelled); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.b.CancelReason = reason
	e.b.UpdatedAt = m.now()
	loop := m.detach(e)
	pool, vehicleID := e.pool, e.b.VehicleID
	snap := e.b.Clone()
	e.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	if pool != nil && vehicleID != "" {
		pool.Release(vehicleID, id)
	}
	m.logger.Info("booking cancelled", "booking_id", id, "from", string(from), "reason", reason)
	m.announce(snap, from)
	return snap, nil
}

// Complete prices the trip for method and releases the vehicle.
func (m *Manager) Complete(ctx context.Context, id string, method models.PaymentMethod) (*models.Booking, models.FareBreakdown, error) {
	method, err := models.ParsePaymentMethod(string(method))
	if err != nil {
		return nil, models.FareBreakdown{}, fmt.Errorf("%w: %v", fare.ErrUnknownMethod, err)
	}
	e, err := m.entry(id)
	if err != nil {
		return nil, models.FareBreakdown{}, err
	}
	e.mu.Lock()
	from := e.b.Status
	if !CanTransition(from, models.StatusCompleted) {
		e.mu.Unlock()
		return nil, models.FareBreakdown{}, &TransitionError{From: from, To: models.StatusCompleted}
	}
	q, err := m.Quote(e.b.DistanceKm, e.b.Urgency, method)
	if err != nil {
		e.mu.Unlock()
		return nil, q, err
	}
	_ = transition(e.b, models.StatusCompleted)
	e.b.FareTotal = q.Total
	e.b.PaymentMethod = method
	e.b.ETAMinutes = 0
	e.b.UpdatedAt = m.now()
	loop := m.detach(e)
	pool, vehicleID := e.pool, e.b.VehicleID
	snap := e.b.Clone()
	e.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	if pool != nil && vehicleID != "" {
		pool.Release(vehicleID, id)
	}
	m.logger.Info("booking completed", "booking_id", id, "payment_method", string(method), "fare_total", q.Total)
	m.announce(snap, from)
	return snap, q, nil
}

func (m *Manager) Get(id string) (*models.Booking, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.Clone(), nil
}

// List returns every booking ordered by creation time.
func (m *Manager) List() []*models.Booking {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.bookings))
	for _, e := range m.bookings {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.Booking, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.b.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close stops every loop and flushes pending writes and events. The manager
// must not be used afterwards.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.RLock()
		entries := make([]*entry, 0, len(m.bookings))
		for _, e := range m.bookings {
			entries = append(entries, e)
		}
		m.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			loop := m.detach(e)
			e.mu.Unlock()
			if loop != nil {
				loop.Stop()
			}
		}
		m.cancel()

		m.outMu.Lock()
		m.closed = true
		close(m.out)
		m.outMu.Unlock()
		m.wg.Wait()
	})
}

// onTrackingEvent runs inside a loop tick. It only touches memory; the
// outbox does the rest.
func (m *Manager) onTrackingEvent(e *entry, gen int, ev models.Event) {
	e.mu.Lock()
	if e.gen != gen || e.b.Status != models.StatusEnRoute {
		e.mu.Unlock()
		return
	}
	p, _ := ev.Payload.(models.PositionUpdate)
	if e.pool != nil {
		e.pool.Move(e.b.VehicleID, e.b.ID, p.Location)
	}
	e.b.ETAMinutes = p.ETAMinutes
	e.b.UpdatedAt = m.now()

	var snap *models.Booking
	if ev.Type == models.EventArrived {
		_ = transition(e.b, models.StatusArrived)
		e.b.ETAMinutes = 0
		e.loop = nil
		e.gen++
		snap = e.b.Clone()
	}
	e.mu.Unlock()

	m.enqueue(job{event: &ev}, ev.Type == models.EventPositionUpdated)
	if snap != nil {
		m.logger.Info("vehicle arrived", "booking_id", snap.ID, "vehicle_id", snap.VehicleID)
		m.announce(snap, models.StatusEnRoute)
	}
}

// detach is called with e.mu held. Stop must be called on the returned loop
// after the lock is released.
func (m *Manager) detach(e *entry) *tracking.Loop {
	loop := e.loop
	e.loop = nil
	e.gen++
	return loop
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.bookings[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) announce(snap *models.Booking, from models.BookingStatus) {
	observability.BookingTransitions.WithLabelValues(string(from), string(snap.Status)).Inc()
	m.enqueue(job{snapshot: snap, event: statusEvent(snap, from)}, false)
}

// enqueue hands work to the outbox. Droppable jobs never block; they are
// used for position updates, which the next tick supersedes anyway.
func (m *Manager) enqueue(j job, droppable bool) {
	m.outMu.RLock()
	defer m.outMu.RUnlock()
	if m.closed {
		return
	}
	if !droppable {
		m.out <- j
		return
	}
	select {
	case m.out <- j:
	default:
		observability.EventsDropped.WithLabelValues("outbox").Inc()
	}
}

func (m *Manager) drain() {
	defer m.wg.Done()
	for j := range m.out {
		if j.snapshot != nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
			if err := m.store.UpdateBooking(ctx, j.snapshot); err != nil {
				m.logger.Error("persist booking failed", "booking_id", j.snapshot.ID, "status", string(j.snapshot.Status), "error", err)
			}
			cancel()
		}
		if j.event != nil {
			m.notifier.Emit(*j.event)
		}
	}
}

func statusEvent(b *models.Booking, from models.BookingStatus) *models.Event {
	return &models.Event{
		BookingID:  b.ID,
		Type:       models.EventStatusChanged,
		Payload:    models.StatusChange{From: from, To: b.Status, VehicleID: b.VehicleID},
		OccurredAt: b.UpdatedAt,
	}
}

func active(l *tracking.Loop) bool {
	if l == nil {
		return false
	}
	select {
	case <-l.Done():
		return false
	default:
		return true
	}
}
