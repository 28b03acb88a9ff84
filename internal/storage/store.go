package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// Sentinel errors surfaced by every Store implementation. Callers match with
// errors.Is; the HTTP layer maps them onto the public error taxonomy.
var (
	ErrNotFound = errors.New("record not found")

	// ErrRideNotPending is the losing side of the conditional
	// pending->accepted update in AssignDriver.
	ErrRideNotPending = errors.New("ride is no longer pending")

	// ErrInvalidTransition covers every other illegal status change.
	ErrInvalidTransition = errors.New("operation not legal for current ride status")

	// ErrDriverUnavailable rejects an accept by a driver already marked
	// busy, so one driver can never hold two active rides.
	ErrDriverUnavailable = errors.New("driver is not available")

	ErrDuplicateFeedback = errors.New("feedback already exists for this ride")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// Stats is the admin counters projection.
type Stats struct {
	Users          int `json:"users"`
	Drivers        int `json:"drivers"`
	TotalRides     int `json:"total_rides"`
	CompletedRides int `json:"completed_rides"`
}

// Store is the persistence boundary for the dispatch core. Implementations
// must make the multi-record transitions (AssignDriver, CompleteRide,
// CancelRide, RecordFeedback) atomic: a concurrent reader sees either the
// state before or the state after, never a partial write. AssignDriver in
// particular must be a conditional update keyed on status = pending so that
// of two concurrent accepts exactly one wins.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsersByRole(ctx context.Context, role models.Role) ([]*models.User, error)

	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDriverByUser(ctx context.Context, userID string) (*models.Driver, error)
	ListDrivers(ctx context.Context) ([]*models.Driver, error)
	SetDriverVehicle(ctx context.Context, id string, v models.Vehicle) error
	SetDriverPosition(ctx context.Context, id string, loc models.Coord) error
	SetDriverAvailability(ctx context.Context, id string, available bool) error

	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context) ([]*models.Ride, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)

	// AssignDriver performs the pending->accepted transition, writes the
	// driver reference and flips the driver unavailable, atomically.
	AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	// StartRide performs accepted->ongoing.
	StartRide(ctx context.Context, rideID string) (*models.Ride, error)
	// CompleteRide performs accepted|ongoing->completed, records the final
	// fare and restores the driver's availability.
	CompleteRide(ctx context.Context, rideID string, finalFare float64) (*models.Ride, error)
	// CancelRide restores the assigned driver's availability (if any) and
	// deletes the ride record. Terminal rides are rejected with
	// ErrInvalidTransition.
	CancelRide(ctx context.Context, rideID string) error
	LinkPayment(ctx context.Context, rideID, paymentID string) error

	// RecordFeedback inserts the feedback row and recomputes the driver's
	// average rating (two decimals) in the same transaction, returning the
	// new average. A second feedback for the same ride fails with
	// ErrDuplicateFeedback.
	RecordFeedback(ctx context.Context, fb *models.Feedback) (float64, error)
	ListFeedbackByDriver(ctx context.Context, driverID string) ([]*models.Feedback, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	MarkPaymentSuccessful(ctx context.Context, orderID, paymentID, signature string) (*models.Payment, error)
	MarkPaymentFailed(ctx context.Context, orderID string) error

	Counts(ctx context.Context) (Stats, error)
}
