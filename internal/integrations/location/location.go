package location

import (
	"context"
	"math"
	"time"
)

type Accuracy string

const (
	AccuracyLow      Accuracy = "low"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
)

// Policy controls which fixes a Watch emits.
type Policy struct {
	Interval          time.Duration
	MinDistanceMeters float64
	Accuracy          Accuracy
}

// TrackingPolicy is the sampling policy used for deliveries in transit.
func TrackingPolicy() Policy {
	return Policy{
		Interval:          5 * time.Second,
		MinDistanceMeters: 10,
		Accuracy:          AccuracyHigh,
	}
}

// Fix is one reported device position.
type Fix struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	CapturedAt     time.Time
}

// Source is the platform location capability.
type Source interface {
	RequestPermission(ctx context.Context) (bool, error)
	Watch(ctx context.Context, policy Policy) (Watch, error)
}

// Watch is a running fix stream. After Cancel returns no more fixes are
// delivered and the Fixes channel is closed.
type Watch interface {
	Fixes() <-chan Fix
	Cancel()
}

const earthRadiusMeters = 6371000

// DistanceMeters is the great-circle distance between two fixes.
func DistanceMeters(a, b Fix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
