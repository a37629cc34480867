package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

var ErrNotFound = errors.New("booking not found")

// BookingStore is the persistence sink for booking state.
type BookingStore interface {
	SaveBooking(ctx context.Context, b *models.Booking) error
	UpdateBooking(ctx context.Context, b *models.Booking) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*models.Booking)}
}

func (m *MemoryStore) SaveBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) Get(id string) (*models.Booking, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// List returns all bookings, oldest first.
func (m *MemoryStore) List() []*models.Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
