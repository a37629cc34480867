package booking

import (
	"errors"
	"fmt"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("booking not found")
)

// allowedTransitions is the booking state machine. Terminal states map to
// nothing.
var allowedTransitions = map[models.BookingStatus][]models.BookingStatus{
	models.StatusRequested:  {models.StatusDispatched, models.StatusCancelled},
	models.StatusDispatched: {models.StatusEnRoute, models.StatusCancelled},
	models.StatusEnRoute:    {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusCompleted},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
}

func CanTransition(from, to models.BookingStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s. Unknown states count as terminal.
func IsTerminal(s models.BookingStatus) bool {
	return len(allowedTransitions[s]) == 0
}

// TransitionError reports a rejected state change. It matches
// ErrInvalidTransition under errors.Is.
type TransitionError struct {
	From models.BookingStatus
	To   models.BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func transition(b *models.Booking, to models.BookingStatus) error {
	if !CanTransition(b.Status, to) {
		return &TransitionError{From: b.Status, To: to}
	}
	b.Status = to
	return nil
}
