// Package notify fans booking events out to their consumers, such as
// websocket subscribers, the event stream or a crew webhook.
package notify

import (
	"log/slog"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Notifier accepts events. Events of one booking arrive in order from a
// single goroutine, so implementations should not block for long.
type Notifier interface {
	Emit(e models.Event)
}

type Func func(e models.Event)

func (f Func) Emit(e models.Event) { f(e) }

// Multi delivers each event to every notifier in order. Nil entries are skipped.
type Multi []Notifier

func (m Multi) Emit(e models.Event) {
	for _, n := range m {
		if n != nil {
			n.Emit(e)
		}
	}
}

type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Emit(e models.Event) {
	args := []any{"booking_id", e.BookingID, "event_type", string(e.Type)}
	switch p := e.Payload.(type) {
	case models.PositionUpdate:
		args = append(args, "vehicle_id", p.VehicleID, "lat", p.Location.Lat, "lon", p.Location.Lon, "remaining_km", p.RemainingKm, "eta_minutes", p.ETAMinutes)
		if e.Type == models.EventPositionUpdated {
			l.Logger.Debug("booking_event", args...)
			return
		}
	case models.StatusChange:
		args = append(args, "from", string(p.From), "to", string(p.To))
		if p.VehicleID != "" {
			args = append(args, "vehicle_id", p.VehicleID)
		}
	}
	l.Logger.Info("booking_event", args...)
}
