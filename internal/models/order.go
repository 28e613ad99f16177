package models

import "time"

const (
	PunctualityCompleted = "completed"
	PunctualityLate      = "late"
	PunctualityOnTime    = "on_time"
)

type Order struct {
	ID                int64      `json:"id"`
	Origin            string     `json:"origin"`
	Destination       string     `json:"destination"`
	Description       string     `json:"description"`
	Value             float64    `json:"value"`
	CreatedAt         time.Time  `json:"created_at"`
	PromisedAt        time.Time  `json:"promised_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CourierID         string     `json:"courier_id"`
	CustomerID        string     `json:"customer_id"`
	TrackingCode      *string    `json:"tracking_code,omitempty"`
	Status            Status     `json:"status"`
	TrackingActive    bool       `json:"tracking_active"`
	TrackingStartedAt *time.Time `json:"tracking_started_at,omitempty"`
}

// Punctuality compares calendar days in UTC: an order promised for today is still on time.
func (o Order) Punctuality(now time.Time) string {
	if o.Status == StatusDelivered {
		return PunctualityCompleted
	}
	today := now.UTC().Format(time.DateOnly)
	promised := o.PromisedAt.UTC().Format(time.DateOnly)
	if promised < today {
		return PunctualityLate
	}
	return PunctualityOnTime
}

// OrderPatch is a set of column changes applied to one order in a single statement.
// Nil fields are left untouched.
type OrderPatch struct {
	Status            *Status
	TrackingActive    *bool
	TrackingStartedAt *time.Time
	DeliveredAt       *time.Time
}

func (p OrderPatch) IsEmpty() bool {
	return p.Status == nil && p.TrackingActive == nil && p.TrackingStartedAt == nil && p.DeliveredAt == nil
}

func (p OrderPatch) WithStatus(s Status) OrderPatch {
	p.Status = &s
	return p
}

func (p OrderPatch) WithTrackingActive(v bool) OrderPatch {
	p.TrackingActive = &v
	return p
}

func (p OrderPatch) WithTrackingStartedAt(t time.Time) OrderPatch {
	p.TrackingStartedAt = &t
	return p
}

func (p OrderPatch) WithDeliveredAt(t time.Time) OrderPatch {
	p.DeliveredAt = &t
	return p
}
