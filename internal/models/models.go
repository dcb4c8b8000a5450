package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverStatus is the driver's availability state. Exactly one value holds at
// any time and transitions are driver-initiated only; there is no automatic
// timeout or expiry. StatusIdle is the state a driver enters when a search is
// cancelled and is distinct from StatusOffline.
type DriverStatus string

const (
	StatusAvailable DriverStatus = "available"
	StatusBusy      DriverStatus = "busy"
	StatusOffline   DriverStatus = "offline"
	StatusIdle      DriverStatus = "idle"
)

func ParseDriverStatus(s string) (DriverStatus, error) {
	switch DriverStatus(s) {
	case StatusAvailable, StatusBusy, StatusOffline, StatusIdle:
		return DriverStatus(s), nil
	}
	return "", fmt.Errorf("unknown driver status %q", s)
}

type Vehicle struct {
	Model        string `json:"model"`
	LicensePlate string `json:"license_plate"`
}

type Driver struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Loc     Coord        `json:"loc"`
	Rating  float64      `json:"rating"` // 0..5
	Vehicle Vehicle      `json:"vehicle"`
	Status  DriverStatus `json:"status"`
	Updated time.Time    `json:"updated"`
}

// Available reports whether the driver can be offered a ride.
func (d Driver) Available() bool { return d.Status == StatusAvailable }

// Position is a single propagated location sample.
type Position struct {
	Coord
	Timestamp time.Time `json:"timestamp"`
}

type RideRequest struct {
	RiderID     string `json:"rider_id"`
	Origin      Coord  `json:"origin"`
	Destination Coord  `json:"destination"`
}

type MatchOffer struct {
	DriverID string  `json:"driver_id"`
	ETA      float64 `json:"eta_seconds"`
	Cost     float64 `json:"cost"`
}

type MatchDecision struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
	Accepted bool   `json:"accepted"`
}

// Ride status values. The status column is a plain string so deployments can
// extend the lifecycle without a schema change.
const (
	RideRequested = "requested"
	RideMatched   = "matched"
	RideAccepted  = "accepted"
	RideCanceled  = "canceled"
)

type Ride struct {
	ID              string
	RiderID         string
	DriverID        string
	Origin          Coord
	Destination     Coord
	Status          string
	PaymentIntentID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
