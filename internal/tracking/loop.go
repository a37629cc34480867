// Package tracking simulates a vehicle driving toward a destination and
// reports its progress on a fixed period.
//
// A Loop is bound to one booking. Ticks never overlap and, once Stop has
// returned, no further event is emitted.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// Sink receives loop events. Emit is called with the loop lock held, so it
// must not call back into the same Loop.
type Sink interface {
	Emit(e models.Event)
}

type SinkFunc func(e models.Event)

func (f SinkFunc) Emit(e models.Event) { f(e) }

type Config struct {
	Interval     time.Duration
	StepDegrees  float64 // distance moved per tick, also the arrival threshold
	MinutesPerKm float64
	Strict       bool // panic on an invalid internal state instead of stopping
	Logger       *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		StepDegrees:  0.004,
		MinutesPerKm: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StepDegrees <= 0 {
		c.StepDegrees = d.StepDegrees
	}
	if c.MinutesPerKm <= 0 {
		c.MinutesPerKm = d.MinutesPerKm
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Target struct {
	BookingID   string
	VehicleID   string
	Origin      models.Coord
	Destination models.Coord
}

type Loop struct {
	cfg    Config
	target Target
	sink   Sink

	mu      sync.Mutex
	current models.Coord
	running bool

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a running loop positioned at the target origin. Nothing is
// scheduled; callers drive it with Tick.
func New(cfg Config, t Target, sink Sink) *Loop {
	return &Loop{
		cfg:     cfg.withDefaults(),
		target:  t,
		sink:    sink,
		current: t.Origin,
		running: true,
		done:    make(chan struct{}),
	}
}

// Start creates a loop and ticks it every cfg.Interval until arrival, Stop,
// or ctx cancellation. The returned handle is the only way to stop it.
func Start(ctx context.Context, cfg Config, t Target, sink Sink) *Loop {
	l := New(cfg, t, sink)
	observability.ActiveTracking.Inc()
	go l.run(ctx)
	return l
}

func (l *Loop) run(ctx context.Context) {
	defer observability.ActiveTracking.Dec()
	// a Ticker drops firings while a tick is still running
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick advances the vehicle one step. It reports whether an event was
// emitted and is a no-op once the loop is no longer running.
func (l *Loop) Tick() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}

	dest := l.target.Destination
	latDiff := dest.Lat - l.current.Lat
	lonDiff := dest.Lon - l.current.Lon
	d := math.Sqrt(latDiff*latDiff + lonDiff*lonDiff)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		l.fail(fmt.Sprintf("tracking: invalid position %+v toward %+v", l.current, dest))
		return false
	}

	if d < l.cfg.StepDegrees {
		l.current = dest
		l.emit(models.EventArrived, models.PositionUpdate{VehicleID: l.target.VehicleID, Location: dest})
		l.running = false
		l.closeDone()
		observability.Arrivals.Inc()
		return true
	}

	l.current = models.Coord{
		Lat: l.current.Lat + latDiff/d*l.cfg.StepDegrees,
		Lon: l.current.Lon + lonDiff/d*l.cfg.StepDegrees,
	}
	remaining := geo.Distance(l.current, dest)
	l.emit(models.EventPositionUpdated, models.PositionUpdate{
		VehicleID:   l.target.VehicleID,
		Location:    l.current,
		RemainingKm: remaining,
		ETAMinutes:  math.Max(1, math.Round(remaining*l.cfg.MinutesPerKm)),
	})
	return true
}

// Stop cancels the schedule. It is idempotent and waits for an in-flight tick.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.closeDone()
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) Position() models.Coord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Done is closed once the loop stops for any reason.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) emit(t models.EventType, p models.PositionUpdate) {
	observability.TrackingTicks.Inc()
	if l.sink == nil {
		return
	}
	l.sink.Emit(models.Event{BookingID: l.target.BookingID, Type: t, Payload: p, OccurredAt: time.Now().UTC()})
}

// fail is called with l.mu held.
func (l *Loop) fail(msg string) {
	if l.cfg.Strict {
		panic(msg)
	}
	l.cfg.Logger.Error(msg, "booking_id", l.target.BookingID, "vehicle_id", l.target.VehicleID)
	l.running = false
	l.closeDone()
}

func (l *Loop) closeDone() { l.doneOnce.Do(func() { close(l.done) }) }
