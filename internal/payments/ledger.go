package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeRejected Outcome = "rejected"
)

var ErrVerificationFailed = errors.New("payment verification failed")

// OrderCreator is the external gateway's order-creation contract. The amount
// is in the gateway's minor currency unit.
type OrderCreator interface {
	Name() string
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error)
}

// Capturer is implemented by gateways that hold funds at order time and
// capture on verification.
type Capturer interface {
	Capture(ctx context.Context, paymentID string) error
}

// Ledger tracks payment attempts per ride and reacts to the gateway's signed
// callback. It never trusts client-claimed success: only a callback whose
// HMAC checks out moves a payment to successful.
type Ledger struct {
	Store    storage.Store
	Gateway  OrderCreator
	Secret   []byte // shared webhook secret
	Currency string // defaults to INR
	Logger   *slog.Logger
}

func (l *Ledger) currency() string {
	if l.Currency != "" {
		return l.Currency
	}
	return "INR"
}

// OpenOrder creates a gateway order for the ride's fare (final fare when set,
// else the estimate) and records a pending payment keyed by the gateway's
// order id. A ride may accumulate several attempts; only one should settle.
func (l *Ledger) OpenOrder(ctx context.Context, rideID string) (*models.Payment, error) {
	ride, err := l.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	amount := ride.EstimatedFare
	if ride.FinalFare != nil {
		amount = *ride.FinalFare
	}
	amountMinor := int64(math.Round(amount * 100))
	orderID, err := l.Gateway.CreateOrder(ctx, amountMinor, l.currency(), "receipt_ride_"+ride.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p := &models.Payment{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		Amount:    amount,
		Gateway:   l.Gateway.Name(),
		OrderID:   orderID,
		Status:    models.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	if l.Logger != nil {
		l.Logger.Info("payment_order_opened", "ride_id", ride.ID, "order_id", orderID, "amount_minor", amountMinor)
	}
	return p, nil
}

// VerifyCallback recomputes the HMAC the gateway signed and settles the
// payment accordingly. The comparison is constant-time. Replays of an
// already-settled callback are no-ops: a payment is mutated by at most one
// verification.
func (l *Ledger) VerifyCallback(ctx context.Context, orderID, paymentID, signature string) (Outcome, error) {
	p, err := l.Store.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return OutcomeRejected, err
	}

	mac := hmac.New(sha256.New, l.Secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		if p.Status == models.PaymentPending {
			if err := l.Store.MarkPaymentFailed(ctx, orderID); err != nil {
				return OutcomeRejected, err
			}
		}
		observability.PaymentVerifyVec.WithLabelValues(string(OutcomeRejected)).Inc()
		if l.Logger != nil {
			l.Logger.Warn("payment_verification_rejected", "order_id", orderID)
		}
		return OutcomeRejected, nil
	}

	switch p.Status {
	case models.PaymentSuccessful:
		// identical replay; nothing to change
		observability.PaymentVerifyVec.WithLabelValues(string(OutcomeVerified)).Inc()
		return OutcomeVerified, nil
	case models.PaymentFailed:
		// settled as failed; a late valid signature must not flip it
		return OutcomeRejected, nil
	}

	p, err = l.Store.MarkPaymentSuccessful(ctx, orderID, paymentID, signature)
	if err != nil {
		return OutcomeRejected, err
	}
	if err := l.Store.LinkPayment(ctx, p.RideID, p.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return OutcomeRejected, err
	}
	if c, ok := l.Gateway.(Capturer); ok {
		if err := c.Capture(ctx, paymentID); err != nil && l.Logger != nil {
			l.Logger.Warn("gateway capture failed", "order_id", orderID, "error", err)
		}
	}
	observability.PaymentVerifyVec.WithLabelValues(string(OutcomeVerified)).Inc()
	if l.Logger != nil {
		l.Logger.Info("payment_verified", "order_id", orderID, "ride_id", p.RideID)
	}
	return OutcomeVerified, nil
}
