package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

const writeWait = 2 * time.Second

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected client watching a booking.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry holds websocket sessions keyed by booking id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string][]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string][]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(bookingID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[bookingID] = append(r.sessions[bookingID], s)
	return s
}

func (r *WSRegistry) Remove(bookingID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[bookingID]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.sessions, bookingID)
	} else {
		r.sessions[bookingID] = list
	}
}

func (r *WSRegistry) Count(bookingID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[bookingID])
}

// Send writes e to every session watching e.BookingID. Sessions that fail
// are closed and dropped.
func (r *WSRegistry) Send(e models.Event) error {
	r.mu.RLock()
	list := append([]*WSSession(nil), r.sessions[e.BookingID]...)
	r.mu.RUnlock()
	if len(list) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range list {
		if err := s.Send(e); err != nil {
			r.logger.Warn("ws send error", "booking_id", e.BookingID, "error", err)
			observability.EventsDropped.WithLabelValues("ws").Inc()
			_ = s.Close()
			r.Remove(e.BookingID, s)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit implements Notifier; bookings nobody is watching are not an error.
func (r *WSRegistry) Emit(e models.Event) {
	_ = r.Send(e)
}

// CloseBooking closes every session watching bookingID.
func (r *WSRegistry) CloseBooking(bookingID string) {
	r.mu.Lock()
	list := r.sessions[bookingID]
	delete(r.sessions, bookingID)
	r.mu.Unlock()
	for _, s := range list {
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "booking closed"), time.Now().Add(writeWait))
		s.mu.Unlock()
		_ = s.Close()
	}
}
