package rides

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Reconcile repairs drift between driver availability and ride state. The
// store makes each transition atomic, but a crash between an engine call and
// its geo sync, or operator edits, can still leave a driver marked available
// while assigned to an active ride (or unavailable with no ride at all).
// Runs at boot and can be invoked from the admin surface.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	accepted, err := e.Store.ListRidesByStatus(ctx, models.RideAccepted)
	if err != nil {
		return 0, err
	}
	ongoing, err := e.Store.ListRidesByStatus(ctx, models.RideOngoing)
	if err != nil {
		return 0, err
	}
	busy := make(map[string]bool, len(accepted)+len(ongoing))
	for _, r := range append(accepted, ongoing...) {
		if r.DriverID != "" {
			busy[r.DriverID] = true
		}
	}

	drivers, err := e.Store.ListDrivers(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, d := range drivers {
		want := !busy[d.ID]
		if d.Available == want {
			continue
		}
		if err := e.Store.SetDriverAvailability(ctx, d.ID, want); err != nil {
			return repaired, err
		}
		d.Available = want
		e.Geo.Upsert(models.DriverPos{ID: d.ID, Loc: d.Loc, Rating: d.Rating, Available: d.MatchEligible()})
		observability.ReconcileRepairs.Inc()
		repaired++
		if e.Logger != nil {
			e.Logger.Warn("availability repaired", "driver_id", d.ID, "available", want)
		}
	}
	return repaired, nil
}
