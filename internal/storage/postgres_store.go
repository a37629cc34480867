package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies a schema file. Statements must be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	route, err := json.Marshal(b.Route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings(id, pickup_lat, pickup_lon, dest_lat, dest_lon, urgency, vehicle_id, status, route, eta_minutes, distance_km, fare_total, payment_method, cancel_reason, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		b.ID, b.Pickup.Lat, b.Pickup.Lon, b.Destination.Lat, b.Destination.Lon, string(b.Urgency), nullString(b.VehicleID), string(b.Status),
		string(route), b.ETAMinutes, b.DistanceKm, b.FareTotal, string(b.PaymentMethod), b.CancelReason, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	route, err := json.Marshal(b.Route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET vehicle_id=$1, status=$2, route=$3, eta_minutes=$4, fare_total=$5, payment_method=$6, cancel_reason=$7, updated_at=$8 WHERE id=$9`,
		nullString(b.VehicleID), string(b.Status), string(route), b.ETAMinutes, b.FareTotal, string(b.PaymentMethod), b.CancelReason, b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var (
		b         models.Booking
		vehicleID sql.NullString
		urgency   string
		status    string
		method    string
		route     []byte
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, pickup_lat, pickup_lon, dest_lat, dest_lon, urgency, vehicle_id, status, route, eta_minutes, distance_km, fare_total, payment_method, cancel_reason, created_at, updated_at FROM bookings WHERE id=$1`, id).
		Scan(&b.ID, &b.Pickup.Lat, &b.Pickup.Lon, &b.Destination.Lat, &b.Destination.Lon, &urgency, &vehicleID, &status, &route, &b.ETAMinutes, &b.DistanceKm, &b.FareTotal, &method, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Urgency = models.UrgencyTier(urgency)
	b.Status = models.BookingStatus(status)
	b.PaymentMethod = models.PaymentMethod(method)
	b.VehicleID = vehicleID.String
	if len(route) > 0 {
		if err := json.Unmarshal(route, &b.Route); err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
	}
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
