package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/booking"
	"github.com/example/ambulance-dispatch/internal/fare"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/payments"
)

// PositionStore is the external vehicle position read model.
type PositionStore interface {
	Record(ctx context.Context, vehicleID, bookingID string, c models.Coord) error
	Position(ctx context.Context, vehicleID string) (models.Coord, bool, error)
	Serving(ctx context.Context, vehicleID string) (string, error)
}

type Deps struct {
	Bookings  *booking.Manager
	Pool      *geo.Index
	Locator   *geo.Locator
	WSReg     *notify.WSRegistry
	Charger   payments.Charger
	Positions PositionStore
	Logger    *slog.Logger
}

type Server struct {
	Bookings  *booking.Manager
	Pool      *geo.Index
	Locator   *geo.Locator
	WSReg     *notify.WSRegistry
	Charger   payments.Charger
	Positions PositionStore
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Pool == nil {
		d.Pool = geo.NewIndex()
	}
	if d.WSReg == nil {
		d.WSReg = notify.NewWSRegistry(d.Logger)
	}
	s := &Server{
		Bookings:  d.Bookings,
		Pool:      d.Pool,
		Locator:   d.Locator,
		WSReg:     d.WSReg,
		Charger:   d.Charger,
		Positions: d.Positions,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/vehicles/{id}", s.handleVehicleUpdate).Methods("PUT")
	s.mux.HandleFunc("/internal/vehicles/{id}/position", s.handleVehiclePosition).Methods("GET")
	s.mux.HandleFunc("/internal/vehicles", s.handleVehicleList).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings", s.handleListBookings).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/dispatch", s.handleDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/tracking/start", s.handleStartTracking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/tracking/stop", s.handleStopTracking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/fares/quote", s.handleQuote).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/bookings/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type vehicleUpdate struct {
	Loc       models.Coord `json:"loc"`
	Available *bool        `json:"available"`
}

func (s *Server) handleVehicleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var u vehicleUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := geo.Validate(u.Loc); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	v := models.Vehicle{ID: id, Loc: u.Loc, Available: true}
	if u.Available != nil {
		v.Available = *u.Available
	}
	cur, online := s.Pool.Upsert(v)
	if online && s.Positions != nil {
		if err := s.Positions.Record(r.Context(), id, cur.BookingID, cur.Loc); err != nil {
			s.logger.Warn("mirror vehicle position failed", "vehicle_id", id, "error", err)
		}
	}
	w.WriteHeader(204)
}

type positionResponse struct {
	VehicleID string       `json:"vehicle_id"`
	Loc       models.Coord `json:"loc"`
	BookingID string       `json:"booking_id,omitempty"`
	Source    string       `json:"source"`
}

// handleVehiclePosition reads the mirrored position, or the pool when no
// position store is configured.
func (s *Server) handleVehiclePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.Positions == nil {
		v, ok := s.Pool.Get(id)
		if !ok {
			http.Error(w, "vehicle not found", 404)
			return
		}
		writeJSON(w, 200, positionResponse{VehicleID: id, Loc: v.Loc, BookingID: v.BookingID, Source: "pool"})
		return
	}
	c, ok, err := s.Positions.Position(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "vehicle not found", 404)
		return
	}
	bookingID, err := s.Positions.Serving(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, positionResponse{VehicleID: id, Loc: c, BookingID: bookingID, Source: "redis"})
}

func (s *Server) handleVehicleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.Pool.Snapshot())
}

type createBookingRequest struct {
	Pickup      *models.Coord `json:"pickup"`
	Destination models.Coord  `json:"destination"`
	Urgency     string        `json:"urgency"`
}

type bookingResponse struct {
	*models.Booking
	PickupFallback bool `json:"pickup_fallback,omitempty"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	tier, err := models.ParseUrgencyTier(req.Urgency)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	var fallback bool
	pickup := models.Coord{}
	switch {
	case req.Pickup != nil:
		pickup = *req.Pickup
	case s.Locator != nil:
		pickup, fallback = s.Locator.Locate(r.Context())
	default:
		http.Error(w, "pickup required", 400)
		return
	}

	b, err := s.Bookings.Request(r.Context(), pickup, req.Destination, tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 201, bookingResponse{Booking: b, PickupFallback: fallback})
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.Bookings.List())
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Dispatch(r.Context(), mux.Vars(r)["id"], s.Pool)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.StartTracking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.StopTracking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	b, err := s.Bookings.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, b)
}

type completeResponse struct {
	Booking       *models.Booking      `json:"booking"`
	Fare          models.FareBreakdown `json:"fare"`
	PaymentIntent string               `json:"payment_intent,omitempty"`
	PaymentStatus string               `json:"payment_status"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		PaymentMethod string `json:"payment_method"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	method, err := models.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if method != models.PaymentCard || s.Charger == nil {
		b, q, err := s.Bookings.Complete(r.Context(), id, method)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, 200, completeResponse{Booking: b, Fare: q, PaymentStatus: "recorded"})
		return
	}

	cur, err := s.Bookings.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !booking.CanTransition(cur.Status, models.StatusCompleted) {
		s.writeError(w, &booking.TransitionError{From: cur.Status, To: models.StatusCompleted})
		return
	}
	q, err := s.Bookings.Quote(cur.DistanceKm, cur.Urgency, method)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var (
		done  *models.Booking
		final models.FareBreakdown
	)
	pi, err := payments.Settle(r.Context(), s.Charger, fare.MinorUnits(q.Total), q.Currency, id, func() error {
		var cerr error
		done, final, cerr = s.Bookings.Complete(r.Context(), id, method)
		return cerr
	}, s.logger)
	switch {
	case errors.Is(err, payments.ErrCaptureFailed):
		writeJSON(w, 200, completeResponse{Booking: done, Fare: final, PaymentIntent: pi, PaymentStatus: "capture_failed"})
	case err != nil:
		s.writeError(w, err)
	default:
		writeJSON(w, 200, completeResponse{Booking: done, Fare: final, PaymentIntent: pi, PaymentStatus: "captured"})
	}
}

type quoteRequest struct {
	DistanceKm    float64 `json:"distance_km"`
	Urgency       string  `json:"urgency"`
	PaymentMethod string  `json:"payment_method"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	tier, err := models.ParseUrgencyTier(req.Urgency)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	method, err := models.ParsePaymentMethod(req.PaymentMethod)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	q, err := s.Bookings.Quote(req.DistanceKm, tier, method)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, q)
}

var upgrader = websocket.Upgrader{}

// handleWS streams the events of one booking until the client disconnects
// or the booking reaches a terminal state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Bookings.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "booking_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, sess)
		_ = sess.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// CloseOnTerminal closes the booking's websocket sessions once it completes
// or is cancelled.
func CloseOnTerminal(reg *notify.WSRegistry) notify.Notifier {
	return notify.Func(func(e models.Event) {
		if e.Type != models.EventStatusChanged {
			return
		}
		if sc, ok := e.Payload.(models.StatusChange); ok && booking.IsTerminal(sc.To) {
			reg.CloseBooking(e.BookingID)
		}
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := 500
	switch {
	case errors.Is(err, booking.ErrNotFound):
		status = 404
	case errors.Is(err, booking.ErrInvalidTransition):
		status = 409
	case errors.Is(err, matcher.ErrNoVehicleAvailable):
		status = 503
	case errors.Is(err, payments.ErrHoldFailed):
		status = 402
	case errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, fare.ErrInvalidDistance),
		errors.Is(err, fare.ErrUnknownTier),
		errors.Is(err, fare.ErrUnknownMethod):
		status = 400
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = 504
	}
	if status == 500 {
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
