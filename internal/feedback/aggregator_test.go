package feedback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func seedCompletedRide(t *testing.T, store *storage.MemoryStore, rideID, riderID, driverID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.GetDriver(ctx, driverID); errors.Is(err, storage.ErrNotFound) {
		err := store.CreateDriver(ctx, &models.Driver{
			ID: driverID, UserID: "u-" + driverID, Rating: models.DefaultRating,
			Vehicle: &models.Vehicle{Model: "Swift", LicensePlate: "MP09-" + driverID},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	fare := 180.0
	err := store.CreateRide(ctx, &models.Ride{
		ID: rideID, RiderID: riderID, DriverID: driverID,
		Status: models.RideCompleted, EstimatedFare: fare, FinalFare: &fare,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecordUpdatesDriverAverage(t *testing.T) {
	store := storage.NewMemoryStore()
	agg := &Aggregator{Store: store}
	ctx := context.Background()

	seedCompletedRide(t, store, "r1", "rider", "d1")
	seedCompletedRide(t, store, "r2", "rider", "d1")

	if _, err := agg.Record(ctx, "r1", "rider", 5, "smooth"); err != nil {
		t.Fatal(err)
	}
	d, _ := store.GetDriver(ctx, "d1")
	if d.Rating != 5.00 {
		t.Fatalf("after [5]: got %v", d.Rating)
	}

	if _, err := agg.Record(ctx, "r2", "rider", 3, ""); err != nil {
		t.Fatal(err)
	}
	d, _ = store.GetDriver(ctx, "d1")
	if d.Rating != 4.00 {
		t.Fatalf("after [5 3]: got %v", d.Rating)
	}
}

func TestRecordRoundsToTwoDecimals(t *testing.T) {
	store := storage.NewMemoryStore()
	agg := &Aggregator{Store: store}
	ctx := context.Background()

	for i, rating := range []int{5, 4, 3} {
		id := fmt.Sprintf("r%d", i)
		seedCompletedRide(t, store, id, "rider", "d1")
		if _, err := agg.Record(ctx, id, "rider", rating, ""); err != nil {
			t.Fatal(err)
		}
	}
	d, _ := store.GetDriver(ctx, "d1")
	if d.Rating != 4.00 {
		t.Fatalf("mean of [5 4 3] should round to 4.00, got %v", d.Rating)
	}

	seedCompletedRide(t, store, "r3", "rider", "d1")
	if _, err := agg.Record(ctx, "r3", "rider", 5, ""); err != nil {
		t.Fatal(err)
	}
	d, _ = store.GetDriver(ctx, "d1")
	if d.Rating != 4.25 {
		t.Fatalf("mean of [5 4 3 5] should be 4.25, got %v", d.Rating)
	}
}

func TestRecordDuplicateRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	agg := &Aggregator{Store: store}
	ctx := context.Background()

	seedCompletedRide(t, store, "r1", "rider", "d1")
	if _, err := agg.Record(ctx, "r1", "rider", 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Record(ctx, "r1", "rider", 1, "changed my mind"); !errors.Is(err, storage.ErrDuplicateFeedback) {
		t.Fatalf("expected ErrDuplicateFeedback, got %v", err)
	}
	// the rejected attempt must not move the average
	d, _ := store.GetDriver(ctx, "d1")
	if d.Rating != 5.00 {
		t.Fatalf("duplicate must not change rating, got %v", d.Rating)
	}
}

func TestRecordPreconditions(t *testing.T) {
	store := storage.NewMemoryStore()
	agg := &Aggregator{Store: store}
	ctx := context.Background()

	seedCompletedRide(t, store, "done", "rider", "d1")
	err := store.CreateRide(ctx, &models.Ride{ID: "open", RiderID: "rider", DriverID: "d1", Status: models.RideOngoing})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := agg.Record(ctx, "done", "rider", 0, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("rating 0: got %v", err)
	}
	if _, err := agg.Record(ctx, "done", "rider", 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("rating 6: got %v", err)
	}
	if _, err := agg.Record(ctx, "open", "rider", 4, ""); !errors.Is(err, ErrRideNotCompleted) {
		t.Fatalf("ongoing ride: got %v", err)
	}
	if _, err := agg.Record(ctx, "done", "someone-else", 4, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("wrong rider: got %v", err)
	}
	if _, err := agg.Record(ctx, "missing", "rider", 4, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing ride: got %v", err)
	}
}
