package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/BearBump/CourierTrack/internal/integrations/location"
)

const metersPerDegreeLat = 111320

// Source simulates a device driving a straight line from an origin. Every
// read advances the position by StepMeters, so the output is deterministic.
type Source struct {
	mu      sync.Mutex
	granted bool
	origin  location.Fix
	step    float64
	bearing float64
	n       int
	now     func() time.Time
}

func New() *Source {
	return &Source{
		granted: true,
		origin:  location.Fix{Latitude: -23.5505, Longitude: -46.6333, AccuracyMeters: 5},
		step:    25,
		bearing: 45,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Source) WithPermission(granted bool) *Source {
	s.granted = granted
	return s
}

func (s *Source) WithRoute(origin location.Fix, stepMeters, bearingDegrees float64) *Source {
	s.origin = origin
	s.step = stepMeters
	s.bearing = bearingDegrees
	return s
}

func (s *Source) WithClock(now func() time.Time) *Source {
	s.now = now
	return s
}

func (s *Source) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted, nil
}

func (s *Source) Watch(ctx context.Context, policy location.Policy) (location.Watch, error) {
	return location.NewPolledWatch(ctx, policy, s.Next), nil
}

// Next returns the following position on the route.
func (s *Source) Next(ctx context.Context) (location.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dist := s.step * float64(s.n)
	s.n++

	rad := s.bearing * math.Pi / 180
	dLat := dist * math.Cos(rad) / metersPerDegreeLat
	dLng := dist * math.Sin(rad) / (metersPerDegreeLat * math.Cos(s.origin.Latitude*math.Pi/180))

	return location.Fix{
		Latitude:       s.origin.Latitude + dLat,
		Longitude:      s.origin.Longitude + dLng,
		AccuracyMeters: s.origin.AccuracyMeters,
		CapturedAt:     s.now(),
	}, nil
}
