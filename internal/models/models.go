package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a coordinate plus the optional human-readable address supplied
// by the geocoding collaborator. The address is stored verbatim, never parsed.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Role string

const (
	RoleRider  Role = "user"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Vehicle struct {
	Model        string `json:"model"`
	LicensePlate string `json:"license_plate"`
	Color        string `json:"color"`
}

// DefaultRating is the neutral rating assigned at onboarding, before any
// feedback exists for the driver.
const DefaultRating = 5.0

type Driver struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Vehicle   *Vehicle  `json:"vehicle,omitempty"` // nil until onboarding completes
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Rating    float64   `json:"rating"` // 1..5, two decimals
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MatchEligible reports whether the driver can be offered new rides.
// A driver without a vehicle descriptor has not finished onboarding.
func (d *Driver) MatchEligible() bool {
	return d.Available && d.Vehicle != nil
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideOngoing   RideStatus = "ongoing"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are legal.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type Ride struct {
	ID            string     `json:"id"`
	RiderID       string     `json:"rider_id"`
	DriverID      string     `json:"driver_id,omitempty"` // empty until accepted
	Pickup        Place      `json:"pickup"`
	Dropoff       Place      `json:"dropoff"`
	Status        RideStatus `json:"status"`
	EstimatedFare float64    `json:"estimated_fare"`
	FinalFare     *float64   `json:"final_fare,omitempty"`
	PaymentID     string     `json:"payment_id,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Assigned reports whether a driver reference is set. The engine maintains
// the invariant that this is true exactly for accepted/ongoing/completed rides.
func (r *Ride) Assigned() bool { return r.DriverID != "" }

type Feedback struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	RiderID   string    `json:"rider_id"`
	DriverID  string    `json:"driver_id"`
	Rating    int       `json:"rating"` // 1..5
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSuccessful PaymentStatus = "successful"
	PaymentFailed     PaymentStatus = "failed"
)

type Payment struct {
	ID        string        `json:"id"`
	RideID    string        `json:"ride_id"`
	Amount    float64       `json:"amount"` // major currency units
	Gateway   string        `json:"gateway"`
	OrderID   string        `json:"order_id"`
	PaymentID string        `json:"payment_id,omitempty"` // gateway correlation id
	Signature string        `json:"signature,omitempty"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DriverPos is the slim projection kept in the geospatial index.
type DriverPos struct {
	ID        string    `json:"id"`
	Loc       Coord     `json:"loc"`
	Rating    float64   `json:"rating"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}
