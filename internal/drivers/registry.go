package drivers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// NearbyRadiusMeters is the rider-facing nearby listing radius, narrower than
// the engine's discovery radius.
const NearbyRadiusMeters = 10000.0

// LocationPublisher fans driver position updates out to the ingest pipeline.
type LocationPublisher interface {
	PublishLocation(d models.DriverPos) error
}

// Registry owns driver records. It is the only writer of driver position and
// keeps the geospatial index in step with the store.
type Registry struct {
	Store        storage.Store
	Geo          geo.Geo
	Publisher    LocationPublisher // optional
	NearbyRadius float64           // meters; defaults to NearbyRadiusMeters
	Logger       *slog.Logger
}

// Register creates the driver record at onboarding. No vehicle yet, so the
// driver is not match-eligible until Onboard completes.
func (r *Registry) Register(ctx context.Context, userID string) (*models.Driver, error) {
	now := time.Now()
	d := &models.Driver{
		ID:        uuid.NewString(),
		UserID:    userID,
		Available: true,
		Rating:    models.DefaultRating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Store.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Registry) Profile(ctx context.Context, userID string) (*models.Driver, error) {
	return r.Store.GetDriverByUser(ctx, userID)
}

// Onboard sets the vehicle descriptor (and optionally the starting position),
// after which the driver becomes match-eligible and enters the geo index.
func (r *Registry) Onboard(ctx context.Context, userID string, v models.Vehicle, initial *models.Coord) (*models.Driver, error) {
	d, err := r.Store.GetDriverByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := r.Store.SetDriverVehicle(ctx, d.ID, v); err != nil {
		return nil, err
	}
	if initial != nil {
		if err := r.Store.SetDriverPosition(ctx, d.ID, *initial); err != nil {
			return nil, err
		}
	}
	d, err = r.Store.GetDriver(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	r.sync(d)
	if d.MatchEligible() {
		observability.DriversAvailable.Inc()
	}
	if r.Logger != nil {
		r.Logger.Info("driver_onboarded", "driver_id", d.ID, "plate", v.LicensePlate)
	}
	return d, nil
}

// SetPosition records a position update and propagates it to the geo index
// and, when configured, the location topic for other consumers.
func (r *Registry) SetPosition(ctx context.Context, driverID string, loc models.Coord) error {
	if err := r.Store.SetDriverPosition(ctx, driverID, loc); err != nil {
		return err
	}
	d, err := r.Store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	r.sync(d)
	if r.Publisher != nil {
		pos := models.DriverPos{ID: d.ID, Loc: d.Loc, Rating: d.Rating, Available: d.MatchEligible()}
		if err := r.Publisher.PublishLocation(pos); err != nil && r.Logger != nil {
			r.Logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	return nil
}

// SetAvailability is idempotent: setting the current value is a no-op write.
func (r *Registry) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if err := r.Store.SetDriverAvailability(ctx, driverID, available); err != nil {
		return err
	}
	d, err := r.Store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	r.sync(d)
	return nil
}

// FindNearby returns available drivers around the origin, hydrated from the
// store so callers get vehicle and rating details, nearest first.
func (r *Registry) FindNearby(ctx context.Context, origin models.Coord, radiusMeters float64) ([]*models.Driver, error) {
	if radiusMeters <= 0 {
		radiusMeters = r.NearbyRadius
	}
	if radiusMeters <= 0 {
		radiusMeters = NearbyRadiusMeters
	}
	positions := r.Geo.Nearby(origin.Lat, origin.Lon, radiusMeters, 0)
	out := make([]*models.Driver, 0, len(positions))
	for _, pos := range positions {
		d, err := r.Store.GetDriver(ctx, pos.ID)
		if err != nil {
			// index can briefly lead the store; skip strays
			continue
		}
		if !d.MatchEligible() {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Registry) sync(d *models.Driver) {
	r.Geo.Upsert(models.DriverPos{ID: d.ID, Loc: d.Loc, Rating: d.Rating, Available: d.MatchEligible()})
}
