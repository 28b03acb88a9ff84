package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// DiscoveryRadiusMeters bounds the advisory driver search at ride request.
const DiscoveryRadiusMeters = 20000.0

var (
	ErrNoDriversAvailable = errors.New("no available drivers found nearby")
	ErrNotAuthorized      = errors.New("requester not authorized for this ride")
	ErrInvalidCoordinates = errors.New("pickup and dropoff must carry valid coordinates")
)

// Engine owns the ride state machine. Every status transition goes through
// the store's conditional updates; the engine adds the domain policy on top
// (authorization, discovery, fare, geo index upkeep).
type Engine struct {
	Store           storage.Store
	Geo             geo.Geo
	DiscoveryRadius float64 // meters; defaults to DiscoveryRadiusMeters
	Logger          *slog.Logger
}

func (e *Engine) radius() float64 {
	if e.DiscoveryRadius > 0 {
		return e.DiscoveryRadius
	}
	return DiscoveryRadiusMeters
}

// RequestRide creates a pending ride for the rider. The nearby-driver check is
// advisory: it avoids orphaned pending rides but reserves nothing, so the ride
// can still expire unaccepted if every candidate moves on.
func (e *Engine) RequestRide(ctx context.Context, riderID string, pickup, dropoff models.Place) (*models.Ride, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return nil, ErrInvalidCoordinates
	}
	if _, err := e.Store.GetUser(ctx, riderID); err != nil {
		return nil, fmt.Errorf("rider %s: %w", riderID, err)
	}
	nearby := e.Geo.Nearby(pickup.Lat, pickup.Lon, e.radius(), 0)
	if len(nearby) == 0 {
		return nil, ErrNoDriversAvailable
	}
	now := time.Now()
	r := &models.Ride{
		ID:            uuid.NewString(),
		RiderID:       riderID,
		Pickup:        pickup,
		Dropoff:       dropoff,
		Status:        models.RidePending,
		EstimatedFare: fare.Estimate(pickup.Coord, dropoff.Coord),
		RequestedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	if e.Logger != nil {
		e.Logger.Info("ride_requested", "ride_id", r.ID, "rider_id", riderID, "candidates", len(nearby))
	}
	return r, nil
}

// AcceptRide arbitrates the pending->accepted transition. The store performs
// it as a conditional update, so of N concurrent accepts exactly one returns
// the ride; the rest get storage.ErrRideNotPending. A driver already holding
// an active ride is rejected with storage.ErrDriverUnavailable.
func (e *Engine) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if _, err := e.Store.GetDriver(ctx, driverID); err != nil {
		return nil, fmt.Errorf("driver %s: %w", driverID, err)
	}
	r, err := e.Store.AssignDriver(ctx, rideID, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrRideNotPending) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.RidesAccepted.Inc()
	observability.DriversAvailable.Dec()
	e.syncGeo(ctx, driverID)
	if e.Logger != nil {
		e.Logger.Info("ride_accepted", "ride_id", rideID, "driver_id", driverID)
	}
	return r, nil
}

// StartRide moves an accepted ride to ongoing. Only the assigned driver may
// start it.
func (e *Engine) StartRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrNotAuthorized
	}
	return e.Store.StartRide(ctx, rideID)
}

// CompleteRide finishes the trip, records the final fare and frees the driver.
func (e *Engine) CompleteRide(ctx context.Context, rideID, driverID string, finalFare float64) (*models.Ride, error) {
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrNotAuthorized
	}
	if finalFare <= 0 {
		finalFare = r.EstimatedFare
	}
	completed, err := e.Store.CompleteRide(ctx, rideID, finalFare)
	if err != nil {
		return nil, err
	}
	observability.RidesCompleted.Inc()
	observability.DriversAvailable.Inc()
	e.syncGeo(ctx, driverID)
	if e.Logger != nil {
		e.Logger.Info("ride_completed", "ride_id", rideID, "driver_id", driverID, "final_fare", finalFare)
	}
	return completed, nil
}

// CancelRide deletes the ride on behalf of the booking rider, restoring the
// assigned driver's availability first. Terminal rides are rejected.
func (e *Engine) CancelRide(ctx context.Context, rideID, requesterID string) error {
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.RiderID != requesterID {
		return ErrNotAuthorized
	}
	driverID := r.DriverID
	if err := e.Store.CancelRide(ctx, rideID); err != nil {
		return err
	}
	observability.RidesCancelled.Inc()
	if driverID != "" {
		observability.DriversAvailable.Inc()
		e.syncGeo(ctx, driverID)
	}
	if e.Logger != nil {
		e.Logger.Info("ride_cancelled", "ride_id", rideID, "rider_id", requesterID, "had_driver", driverID != "")
	}
	return nil
}

// GetRide enforces the visibility rule: only the booking rider or the
// assigned driver's user account may read a ride.
func (e *Engine) GetRide(ctx context.Context, rideID, requesterID string) (*models.Ride, error) {
	r, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.RiderID == requesterID {
		return r, nil
	}
	if r.DriverID != "" {
		d, err := e.Store.GetDriver(ctx, r.DriverID)
		if err == nil && d.UserID == requesterID {
			return r, nil
		}
	}
	return nil, ErrNotAuthorized
}

// PendingRides lists rides awaiting a driver, oldest first.
func (e *Engine) PendingRides(ctx context.Context) ([]*models.Ride, error) {
	return e.Store.ListRidesByStatus(ctx, models.RidePending)
}

// syncGeo pushes the driver's current availability into the geospatial index
// so discovery stops (or resumes) offering them immediately.
func (e *Engine) syncGeo(ctx context.Context, driverID string) {
	d, err := e.Store.GetDriver(ctx, driverID)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("geo sync skipped", "driver_id", driverID, "error", err)
		}
		return
	}
	e.Geo.Upsert(models.DriverPos{ID: d.ID, Loc: d.Loc, Rating: d.Rating, Available: d.MatchEligible()})
}
