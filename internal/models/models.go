package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// UrgencyTier classifies how quickly a booking must be served.
type UrgencyTier string

const (
	UrgencyCritical UrgencyTier = "critical"
	UrgencyHigh     UrgencyTier = "high"
	UrgencyMedium   UrgencyTier = "medium"
	UrgencyLow      UrgencyTier = "low"
)

func ParseUrgencyTier(s string) (UrgencyTier, error) {
	switch t := UrgencyTier(strings.ToLower(strings.TrimSpace(s))); t {
	case UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow:
		return t, nil
	}
	return "", fmt.Errorf("invalid urgency tier: %q", s)
}

type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "cash"
	PaymentUPI        PaymentMethod = "upi"
	PaymentCard       PaymentMethod = "card"
	PaymentAssistance PaymentMethod = "assistance" // government assistance programme
)

// ParsePaymentMethod treats an empty value as cash.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PaymentCash, nil
	}
	switch m := PaymentMethod(s); m {
	case PaymentCash, PaymentUPI, PaymentCard, PaymentAssistance:
		return m, nil
	}
	return "", fmt.Errorf("invalid payment method: %q", s)
}

type Vehicle struct {
	ID        string    `json:"id"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	BookingID string    `json:"booking_id,omitempty"` // set while claimed
	Updated   time.Time `json:"updated"`
}

type BookingStatus string

const (
	StatusRequested  BookingStatus = "requested"
	StatusDispatched BookingStatus = "dispatched"
	StatusEnRoute    BookingStatus = "en_route"
	StatusArrived    BookingStatus = "arrived"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

type Booking struct {
	ID            string        `json:"id"`
	Pickup        Coord         `json:"pickup"`
	Destination   Coord         `json:"destination"`
	Urgency       UrgencyTier   `json:"urgency"`
	VehicleID     string        `json:"vehicle_id,omitempty"`
	Status        BookingStatus `json:"status"`
	Route         []Coord       `json:"route,omitempty"`
	ETAMinutes    float64       `json:"eta_minutes"`
	DistanceKm    float64       `json:"distance_km"`
	FareTotal     float64       `json:"fare_total"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Clone returns a copy that shares no slices with b.
func (b *Booking) Clone() *Booking {
	cp := *b
	if b.Route != nil {
		cp.Route = append([]Coord(nil), b.Route...)
	}
	return &cp
}

type FareBreakdown struct {
	BaseFare         float64 `json:"base_fare"`
	DistanceCharge   float64 `json:"distance_charge"`
	AmbulanceFee     float64 `json:"ambulance_fee"`
	UrgencySurcharge float64 `json:"urgency_surcharge"`
	Taxes            float64 `json:"taxes"`
	Discount         float64 `json:"discount"`
	Total            float64 `json:"total"`
	Currency         string  `json:"currency"`
}

type EventType string

const (
	EventPositionUpdated EventType = "position_updated"
	EventArrived         EventType = "arrived"
	EventStatusChanged   EventType = "status_changed"
)

type Event struct {
	BookingID  string    `json:"booking_id"`
	Type       EventType `json:"event_type"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

type PositionUpdate struct {
	VehicleID   string  `json:"vehicle_id"`
	Location    Coord   `json:"location"`
	RemainingKm float64 `json:"remaining_km"`
	ETAMinutes  float64 `json:"eta_minutes"`
}

type StatusChange struct {
	From      BookingStatus `json:"from"`
	To        BookingStatus `json:"to"`
	VehicleID string        `json:"vehicle_id,omitempty"`
}
