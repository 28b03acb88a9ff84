package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on database/sql with lib/pq. The contended
// transitions are expressed as conditional UPDATEs on the current status so
// that concurrency control lives in the database, not in this process.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id, name, email, password_hash, role, phone_number, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Role, u.PhoneNumber, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, role, phone_number, created_at, updated_at FROM users WHERE id=$1`, id))
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, role, phone_number, created_at, updated_at FROM users WHERE lower(email)=lower($1)`, email))
}

func (p *PostgresStore) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var phone sql.NullString
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &phone, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.PhoneNumber = phone.String
	return &u, nil
}

func (p *PostgresStore) ListUsersByRole(ctx context.Context, role models.Role) ([]*models.User, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, email, password_hash, role, phone_number, created_at, updated_at FROM users WHERE role=$1 ORDER BY created_at`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		var u models.User
		var phone sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &phone, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.PhoneNumber = phone.String
		out = append(out, &u)
	}
	return out, rows.Err()
}

const driverColumns = `id, user_id, vehicle_model, vehicle_plate, vehicle_color, lat, lon, available, rating, created_at, updated_at`

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	var model, plate, color sql.NullString
	if d.Vehicle != nil {
		model = sql.NullString{String: d.Vehicle.Model, Valid: true}
		plate = sql.NullString{String: d.Vehicle.LicensePlate, Valid: true}
		color = sql.NullString{String: d.Vehicle.Color, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers(`+driverColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.UserID, model, plate, color, d.Loc.Lat, d.Loc.Lon, d.Available, d.Rating, d.CreatedAt, d.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var model, plate, color sql.NullString
	err := row.Scan(&d.ID, &d.UserID, &model, &plate, &color, &d.Loc.Lat, &d.Loc.Lon, &d.Available, &d.Rating, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if model.Valid {
		d.Vehicle = &models.Vehicle{Model: model.String, LicensePlate: plate.String, Color: color.String}
	}
	return &d, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
}

func (p *PostgresStore) GetDriverByUser(ctx context.Context, userID string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE user_id=$1`, userID))
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDriverVehicle(ctx context.Context, id string, v models.Vehicle) error {
	return p.execExpectingRow(ctx,
		`UPDATE drivers SET vehicle_model=$1, vehicle_plate=$2, vehicle_color=$3, updated_at=now() WHERE id=$4`,
		v.Model, v.LicensePlate, v.Color, id)
}

func (p *PostgresStore) SetDriverPosition(ctx context.Context, id string, loc models.Coord) error {
	return p.execExpectingRow(ctx, `UPDATE drivers SET lat=$1, lon=$2, updated_at=now() WHERE id=$3`, loc.Lat, loc.Lon, id)
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, id string, available bool) error {
	return p.execExpectingRow(ctx, `UPDATE drivers SET available=$1, updated_at=now() WHERE id=$2`, available, id)
}

func (p *PostgresStore) execExpectingRow(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address, dropoff_lat, dropoff_lon, dropoff_address, status, estimated_fare, final_fare, payment_id, requested_at, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rides(`+rideColumns+`)
		 VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''),$14,$15,$16)`,
		r.ID, r.RiderID, r.DriverID,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address,
		r.Status, r.EstimatedFare, r.FinalFare, r.PaymentID,
		r.RequestedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, paymentID, pickupAddr, dropoffAddr sql.NullString
	var finalFare sql.NullFloat64
	err := row.Scan(&r.ID, &r.RiderID, &driverID,
		&r.Pickup.Lat, &r.Pickup.Lon, &pickupAddr,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &dropoffAddr,
		&r.Status, &r.EstimatedFare, &finalFare, &paymentID,
		&r.RequestedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.PaymentID = paymentID.String
	r.Pickup.Address = pickupAddr.String
	r.Dropoff.Address = dropoffAddr.String
	if finalFare.Valid {
		r.FinalFare = &finalFare.Float64
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) ListRides(ctx context.Context) ([]*models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY requested_at`)
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY requested_at`, status)
}

func (p *PostgresStore) queryRides(ctx context.Context, query string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssignDriver is the accept-ride compare-and-swap. The UPDATE is predicated
// on status='pending'; a zero row count means another driver already won.
func (p *PostgresStore) AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	var ride *models.Ride
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rides SET driver_id=$1, status=$2, updated_at=now() WHERE id=$3 AND status=$4`,
			driverID, models.RideAccepted, rideID, models.RidePending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, rideID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrRideNotPending
		}
		res, err = tx.ExecContext(ctx, `UPDATE drivers SET available=false, updated_at=now() WHERE id=$1 AND available=true`, driverID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM drivers WHERE id=$1)`, driverID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
			}
			return ErrDriverUnavailable
		}
		ride, err = scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, rideID))
		return err
	})
	return ride, err
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE rides SET status=$1, updated_at=now() WHERE id=$2 AND status=$3 RETURNING `+rideColumns,
		models.RideOngoing, rideID, models.RideAccepted)
	ride, err := scanRide(row)
	if errors.Is(err, ErrNotFound) {
		return nil, p.classifyMissedUpdate(ctx, rideID)
	}
	return ride, err
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID string, finalFare float64) (*models.Ride, error) {
	var ride *models.Ride
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE rides SET status=$1, final_fare=$2, updated_at=now()
			 WHERE id=$3 AND status IN ($4,$5) RETURNING `+rideColumns,
			models.RideCompleted, finalFare, rideID, models.RideAccepted, models.RideOngoing)
		var err error
		ride, err = scanRide(row)
		if errors.Is(err, ErrNotFound) {
			return p.classifyMissedUpdate(ctx, rideID)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE drivers SET available=true, updated_at=now() WHERE id=$1`, ride.DriverID)
		return err
	})
	return ride, err
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// lock the row so the availability restore and the delete act on
		// a consistent snapshot
		row := tx.QueryRowContext(ctx, `SELECT status, driver_id FROM rides WHERE id=$1 FOR UPDATE`, rideID)
		var status models.RideStatus
		var driverID sql.NullString
		if err := row.Scan(&status, &driverID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status.Terminal() {
			return ErrInvalidTransition
		}
		if driverID.Valid {
			if _, err := tx.ExecContext(ctx, `UPDATE drivers SET available=true, updated_at=now() WHERE id=$1`, driverID.String); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM rides WHERE id=$1`, rideID)
		return err
	})
}

// classifyMissedUpdate distinguishes a missing ride from an illegal status
// after a conditional UPDATE matched no rows.
func (p *PostgresStore) classifyMissedUpdate(ctx context.Context, rideID string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, rideID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func (p *PostgresStore) LinkPayment(ctx context.Context, rideID, paymentID string) error {
	return p.execExpectingRow(ctx, `UPDATE rides SET payment_id=$1, updated_at=now() WHERE id=$2`, paymentID, rideID)
}

func (p *PostgresStore) RecordFeedback(ctx context.Context, fb *models.Feedback) (float64, error) {
	var avg float64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feedback(id, ride_id, rider_id, driver_id, rating, comment, created_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7)`,
			fb.ID, fb.RideID, fb.RiderID, fb.DriverID, fb.Rating, fb.Comment, fb.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateFeedback
		}
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT ROUND(AVG(rating)::numeric, 2) FROM feedback WHERE driver_id=$1`, fb.DriverID).Scan(&avg); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE drivers SET rating=$1, updated_at=now() WHERE id=$2`, avg, fb.DriverID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return avg, err
}

func (p *PostgresStore) ListFeedbackByDriver(ctx context.Context, driverID string) ([]*models.Feedback, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ride_id, rider_id, driver_id, rating, comment, created_at FROM feedback WHERE driver_id=$1 ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Feedback
	for rows.Next() {
		var f models.Feedback
		var comment sql.NullString
		if err := rows.Scan(&f.ID, &f.RideID, &f.RiderID, &f.DriverID, &f.Rating, &comment, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Comment = comment.String
		out = append(out, &f)
	}
	return out, rows.Err()
}

const paymentColumns = `id, ride_id, amount, gateway, order_id, payment_id, signature, status, created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pm *models.Payment) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO payments(`+paymentColumns+`) VALUES($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8,$9,$10)`,
		pm.ID, pm.RideID, pm.Amount, pm.Gateway, pm.OrderID, pm.PaymentID, pm.Signature, pm.Status, pm.CreatedAt, pm.UpdatedAt)
	return err
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var pm models.Payment
	var paymentID, signature sql.NullString
	err := row.Scan(&pm.ID, &pm.RideID, &pm.Amount, &pm.Gateway, &pm.OrderID, &paymentID, &signature, &pm.Status, &pm.CreatedAt, &pm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pm.PaymentID = paymentID.String
	pm.Signature = signature.String
	return &pm, nil
}

func (p *PostgresStore) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID))
}

// MarkPaymentSuccessful only moves a pending payment; replayed callbacks on a
// settled payment leave it untouched and return the stored row.
func (p *PostgresStore) MarkPaymentSuccessful(ctx context.Context, orderID, paymentID, signature string) (*models.Payment, error) {
	_, err := p.db.ExecContext(ctx,
		`UPDATE payments SET status=$1, payment_id=$2, signature=$3, updated_at=now() WHERE order_id=$4 AND status=$5`,
		models.PaymentSuccessful, paymentID, signature, orderID, models.PaymentPending)
	if err != nil {
		return nil, err
	}
	return p.GetPaymentByOrder(ctx, orderID)
}

func (p *PostgresStore) MarkPaymentFailed(ctx context.Context, orderID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE payments SET status=$1, updated_at=now() WHERE order_id=$2 AND status=$3`,
		models.PaymentFailed, orderID, models.PaymentPending)
	return err
}

func (p *PostgresStore) Counts(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM users WHERE role=$1),
			(SELECT count(*) FROM drivers),
			(SELECT count(*) FROM rides),
			(SELECT count(*) FROM rides WHERE status=$2)`,
		models.RoleRider, models.RideCompleted).
		Scan(&s.Users, &s.Drivers, &s.TotalRides, &s.CompletedRides)
	return s, err
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
