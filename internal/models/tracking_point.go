package models

import "time"

// TrackingPoint is one recorded position fix of an order in transit.
type TrackingPoint struct {
	OrderID    int64     `json:"order_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Page bounds for reading an order's recorded points.
const (
	DefaultPointsLimit = 100
	MaxPointsLimit     = 1000
)
