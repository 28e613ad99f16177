package messages

import "time"

const (
	TableOrders         = "entregas"
	TableTrackingPoints = "entregas_rastreamento"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// OrderChanged is broadcast after a row owned by an order changes.
// It is an invalidation signal: consumers re-read the store instead of applying fields.
type OrderChanged struct {
	EventID      string    `json:"event_id"`
	Table        string    `json:"table"`
	Type         EventType `json:"type"`
	OrderID      int64     `json:"order_id"`
	CourierID    string    `json:"courier_id,omitempty"`
	OldCourierID string    `json:"old_courier_id,omitempty"` // previous owner on reassignment or delete
	Status       string    `json:"status,omitempty"`
	CommittedAt  time.Time `json:"committed_at"`
}
