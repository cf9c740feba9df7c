package model

import "time"

// Elder is the read-only cached projection of a client profile needed to
// perform a visit offline: identification for the caregiver and coordinates
// for geofence validation. It is refreshed opportunistically when online and
// is never the target of local mutations.
type Elder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}
