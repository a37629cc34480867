package geo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// DefaultFallback is used when no device fix can be obtained (New Delhi).
var DefaultFallback = models.Coord{Lat: 28.6139, Lon: 77.2090}

var ErrNoFix = errors.New("no location fix")

// Source yields the device position, usually the caller's geolocation.
type Source interface {
	Locate(ctx context.Context) (models.Coord, error)
}

type SourceFunc func(ctx context.Context) (models.Coord, error)

func (f SourceFunc) Locate(ctx context.Context) (models.Coord, error) { return f(ctx) }

// Static is a Source that always reports the same fix. A nil *Static reports ErrNoFix.
type Static struct{ C models.Coord }

func (s *Static) Locate(context.Context) (models.Coord, error) {
	if s == nil {
		return models.Coord{}, ErrNoFix
	}
	return s.C, nil
}

// Locator resolves a position, degrading to Fallback on failure or timeout.
type Locator struct {
	Source   Source
	Timeout  time.Duration
	Fallback models.Coord
	Logger   *slog.Logger
}

// Locate never fails; the second result reports whether the fallback was used.
func (l *Locator) Locate(ctx context.Context) (models.Coord, bool) {
	if l.Source == nil {
		return l.Fallback, true
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	type result struct {
		c   models.Coord
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Source.Locate(ctx)
		ch <- result{c, err}
	}()
	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err == nil {
		r.err = Validate(r.c)
	}
	if r.err != nil {
		if l.Logger != nil {
			l.Logger.Warn("geolocation failed, using fallback", "error", r.err, "lat", l.Fallback.Lat, "lon", l.Fallback.Lon)
		}
		return l.Fallback, true
	}
	return r.c, false
}
