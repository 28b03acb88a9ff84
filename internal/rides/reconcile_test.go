package rides

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestReconcileNoDrift(t *testing.T) {
	e, store, idx := newTestEngine(t)
	ctx := context.Background()
	seedRider(t, store, "rider")
	seedDriver(t, store, idx, "d1", models.Coord{Lat: 22.754, Lon: 75.894})

	ride, _ := e.RequestRide(ctx, "rider", place(22.754, 75.895, ""), place(22.72, 75.88, ""))
	if _, err := e.AcceptRide(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	n, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("consistent state repaired %d drivers", n)
	}
}

func TestReconcileRepairsBusyDriverMarkedAvailable(t *testing.T) {
	e, store, idx := newTestEngine(t)
	ctx := context.Background()
	seedRider(t, store, "rider")
	seedDriver(t, store, idx, "d1", models.Coord{Lat: 22.754, Lon: 75.894})

	ride, _ := e.RequestRide(ctx, "rider", place(22.754, 75.895, ""), place(22.72, 75.88, ""))
	if _, err := e.AcceptRide(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	// simulate drift: operator flips the busy driver back to available
	if err := store.SetDriverAvailability(ctx, "d1", true); err != nil {
		t.Fatal(err)
	}

	n, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repair, got %d", n)
	}
	d, _ := store.GetDriver(ctx, "d1")
	if d.Available {
		t.Fatal("driver on an active ride must end up unavailable")
	}
	if got := idx.Nearby(22.754, 75.895, DiscoveryRadiusMeters, 0); len(got) != 0 {
		t.Fatalf("repaired driver must leave the index, got %v", got)
	}
}

func TestReconcileRepairsIdleDriverMarkedBusy(t *testing.T) {
	e, store, idx := newTestEngine(t)
	ctx := context.Background()
	seedDriver(t, store, idx, "d1", models.Coord{Lat: 22.754, Lon: 75.894})

	// drift the other way: no ride references the driver
	if err := store.SetDriverAvailability(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	idx.Upsert(models.DriverPos{ID: "d1", Loc: models.Coord{Lat: 22.754, Lon: 75.894}, Available: false})

	n, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repair, got %d", n)
	}
	d, _ := store.GetDriver(ctx, "d1")
	if !d.Available {
		t.Fatal("idle driver must end up available")
	}
	if got := idx.Nearby(22.754, 75.895, DiscoveryRadiusMeters, 0); len(got) != 1 {
		t.Fatalf("repaired driver must be discoverable again, got %v", got)
	}
}
