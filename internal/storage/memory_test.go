package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRideAndDrivers(t *testing.T, m *MemoryStore) *models.Ride {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"d1", "d2"} {
		if err := m.CreateDriver(ctx, &models.Driver{ID: id, UserID: "u-" + id, Available: true, Rating: 5}); err != nil {
			t.Fatal(err)
		}
	}
	r := &models.Ride{ID: "r1", RiderID: "rider", Status: models.RidePending, EstimatedFare: 120, RequestedAt: time.Now()}
	if err := m.CreateRide(ctx, r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAssignDriverExactlyOneWinner(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, driverID := range []string{"d1", "d2"} {
		wg.Add(1)
		go func(i int, driverID string) {
			defer wg.Done()
			_, errs[i] = m.AssignDriver(ctx, "r1", driverID)
		}(i, driverID)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrRideNotPending) {
			t.Fatalf("loser should see ErrRideNotPending, got %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	r, err := m.GetRide(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideAccepted || r.DriverID == "" {
		t.Fatalf("ride not accepted: %+v", r)
	}
	winner, _ := m.GetDriver(ctx, r.DriverID)
	if winner.Available {
		t.Fatal("winning driver should be unavailable")
	}
	for _, id := range []string{"d1", "d2"} {
		if id == r.DriverID {
			continue
		}
		d, _ := m.GetDriver(ctx, id)
		if !d.Available {
			t.Fatalf("losing driver %s should stay available", id)
		}
	}
}

func TestAssignDriverMissingRide(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	if _, err := m.AssignDriver(context.Background(), "nope", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignDriverRejectsBusyDriver(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	ctx := context.Background()

	if _, err := m.AssignDriver(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	r2 := &models.Ride{ID: "r2", RiderID: "rider", Status: models.RidePending, RequestedAt: time.Now()}
	if err := m.CreateRide(ctx, r2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AssignDriver(ctx, "r2", "d1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("busy driver must be rejected, got %v", err)
	}
	// the failed accept must leave the second ride pending for other drivers
	got, err := m.GetRide(ctx, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RidePending || got.DriverID != "" {
		t.Fatalf("failed accept mutated the ride: %+v", got)
	}
	if _, err := m.AssignDriver(ctx, "r2", "d2"); err != nil {
		t.Fatalf("an available driver should still win the ride: %v", err)
	}
}

func TestCancelRestoresAvailabilityAndDeletes(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	ctx := context.Background()
	if _, err := m.AssignDriver(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := m.CancelRide(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if !d.Available {
		t.Fatal("driver availability not restored")
	}
	if _, err := m.GetRide(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ride should be deleted, got %v", err)
	}
}

func TestCancelTerminalRideRejected(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	ctx := context.Background()
	if _, err := m.AssignDriver(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CompleteRide(ctx, "r1", 150); err != nil {
		t.Fatal(err)
	}
	if err := m.CancelRide(ctx, "r1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteRestoresAvailabilityAndSetsFare(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	ctx := context.Background()
	if _, err := m.AssignDriver(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartRide(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	r, err := m.CompleteRide(ctx, "r1", 180)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideCompleted || r.FinalFare == nil || *r.FinalFare != 180 {
		t.Fatalf("unexpected completed ride: %+v", r)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if !d.Available {
		t.Fatal("driver should be available after completion")
	}
}

func TestStartRequiresAccepted(t *testing.T) {
	m := NewMemoryStore()
	seedRideAndDrivers(t, m)
	if _, err := m.StartRide(context.Background(), "r1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordFeedbackUniquenessAndAverage(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateDriver(ctx, &models.Driver{ID: "d1", UserID: "u1", Available: true, Rating: 5}); err != nil {
		t.Fatal(err)
	}
	avg, err := m.RecordFeedback(ctx, &models.Feedback{ID: "f1", RideID: "r1", DriverID: "d1", Rating: 5})
	if err != nil {
		t.Fatal(err)
	}
	if avg != 5.00 {
		t.Fatalf("expected 5.00, got %v", avg)
	}
	if _, err := m.RecordFeedback(ctx, &models.Feedback{ID: "f2", RideID: "r1", DriverID: "d1", Rating: 1}); !errors.Is(err, ErrDuplicateFeedback) {
		t.Fatalf("expected ErrDuplicateFeedback, got %v", err)
	}
	avg, err = m.RecordFeedback(ctx, &models.Feedback{ID: "f3", RideID: "r2", DriverID: "d1", Rating: 3})
	if err != nil {
		t.Fatal(err)
	}
	if avg != 4.00 {
		t.Fatalf("[5,3] should average 4.00, got %v", avg)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Rating != 4.00 {
		t.Fatalf("driver rating not persisted: %v", d.Rating)
	}
}

func TestPaymentSettlesOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	p := &models.Payment{ID: "p1", RideID: "r1", Amount: 120, Gateway: "razorpay", OrderID: "order_1", Status: models.PaymentPending}
	if err := m.CreatePayment(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := m.MarkPaymentSuccessful(ctx, "order_1", "pay_1", "sig")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.PaymentSuccessful || got.PaymentID != "pay_1" {
		t.Fatalf("unexpected payment: %+v", got)
	}
	// a later failure mark must not flip a settled payment
	if err := m.MarkPaymentFailed(ctx, "order_1"); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetPaymentByOrder(ctx, "order_1")
	if got.Status != models.PaymentSuccessful {
		t.Fatalf("settled payment mutated: %+v", got)
	}
}
