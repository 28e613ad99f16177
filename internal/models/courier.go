package models

type Courier struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Actor is the authenticated user behind a request. Couriers are matched by display name.
type Actor struct {
	DisplayName string
}
