package feedback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrRideNotCompleted = errors.New("feedback can only be submitted for completed rides")
	ErrNotAuthorized    = errors.New("requester did not book this ride")
	ErrInvalidRating    = errors.New("rating must be between 1 and 5")
)

// Aggregator records feedback and keeps driver average ratings consistent.
// The recompute is not optional and not deferred: the store runs it in the
// same transaction as the insert, so a successfully recorded feedback always
// leaves the driver's rating equal to the mean of all their ratings, rounded
// to two decimals.
type Aggregator struct {
	Store  storage.Store
	Logger *slog.Logger
}

// Record validates the feedback preconditions and persists it. Exactly one
// feedback per ride; the second attempt fails with
// storage.ErrDuplicateFeedback whatever its payload.
func (a *Aggregator) Record(ctx context.Context, rideID, riderID string, rating int, comment string) (*models.Feedback, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	ride, err := a.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, ErrNotAuthorized
	}
	if ride.Status != models.RideCompleted {
		return nil, ErrRideNotCompleted
	}
	fb := &models.Feedback{
		ID:        uuid.NewString(),
		RideID:    rideID,
		RiderID:   riderID,
		DriverID:  ride.DriverID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
	avg, err := a.Store.RecordFeedback(ctx, fb)
	if err != nil {
		return nil, err
	}
	observability.FeedbackRecorded.Inc()
	if a.Logger != nil {
		a.Logger.Info("feedback_recorded", "ride_id", rideID, "driver_id", fb.DriverID, "rating", rating, "driver_avg", avg)
	}
	return fb, nil
}
