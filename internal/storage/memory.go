package storage

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps every collection behind one mutex, which gives the
// multi-record transitions their atomicity for free. Useful for tests and
// single-process local runs; production deployments use PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	drivers  map[string]*models.Driver
	rides    map[string]*models.Ride
	feedback map[string]*models.Feedback // keyed by ride id, enforcing uniqueness
	payments map[string]*models.Payment  // keyed by gateway order id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*models.User),
		drivers:  make(map[string]*models.Driver),
		rides:    make(map[string]*models.Ride),
		feedback: make(map[string]*models.Feedback),
		payments: make(map[string]*models.Payment),
	}
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrDuplicateEmail
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUsersByRole(ctx context.Context, role models.Role) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.User, 0)
	for _, u := range m.users {
		if u.Role == role {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driverCopy(id)
}

func (m *MemoryStore) driverCopy(id string) (*models.Driver, error) {
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	if d.Vehicle != nil {
		v := *d.Vehicle
		cp.Vehicle = &v
	}
	return &cp, nil
}

func (m *MemoryStore) GetDriverByUser(ctx context.Context, userID string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, d := range m.drivers {
		if d.UserID == userID {
			return m.driverCopy(id)
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListDrivers(ctx context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for id := range m.drivers {
		d, _ := m.driverCopy(id)
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) SetDriverVehicle(ctx context.Context, id string, v models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	cp := v
	d.Vehicle = &cp
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetDriverPosition(ctx context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Loc = loc
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetDriverAvailability(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRides(ctx context.Context) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RidePending {
		return nil, ErrRideNotPending
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	if !d.Available {
		return nil, ErrDriverUnavailable
	}
	r.Status = models.RideAccepted
	r.DriverID = driverID
	r.UpdatedAt = time.Now()
	d.Available = false
	d.UpdatedAt = r.UpdatedAt
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) StartRide(ctx context.Context, rideID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideAccepted {
		return nil, ErrInvalidTransition
	}
	r.Status = models.RideOngoing
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, rideID string, finalFare float64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideAccepted && r.Status != models.RideOngoing {
		return nil, ErrInvalidTransition
	}
	r.Status = models.RideCompleted
	r.FinalFare = &finalFare
	r.UpdatedAt = time.Now()
	if d, ok := m.drivers[r.DriverID]; ok {
		d.Available = true
		d.UpdatedAt = r.UpdatedAt
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() {
		return ErrInvalidTransition
	}
	if r.DriverID != "" {
		if d, ok := m.drivers[r.DriverID]; ok {
			d.Available = true
			d.UpdatedAt = time.Now()
		}
	}
	delete(m.rides, rideID)
	return nil
}

func (m *MemoryStore) LinkPayment(ctx context.Context, rideID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	r.PaymentID = paymentID
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordFeedback(ctx context.Context, fb *models.Feedback) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.feedback[fb.RideID]; exists {
		return 0, ErrDuplicateFeedback
	}
	d, ok := m.drivers[fb.DriverID]
	if !ok {
		return 0, ErrNotFound
	}
	cp := *fb
	m.feedback[fb.RideID] = &cp

	var sum int
	var n int
	for _, f := range m.feedback {
		if f.DriverID == fb.DriverID {
			sum += f.Rating
			n++
		}
	}
	avg := math.Round(float64(sum)/float64(n)*100) / 100
	d.Rating = avg
	d.UpdatedAt = time.Now()
	return avg, nil
}

func (m *MemoryStore) ListFeedbackByDriver(ctx context.Context, driverID string) ([]*models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Feedback, 0)
	for _, f := range m.feedback {
		if f.DriverID == driverID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MarkPaymentSuccessful(ctx context.Context, orderID, paymentID, signature string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status == models.PaymentPending {
		p.Status = models.PaymentSuccessful
		p.PaymentID = paymentID
		p.Signature = signature
		p.UpdatedAt = time.Now()
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MarkPaymentFailed(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == models.PaymentPending {
		p.Status = models.PaymentFailed
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) Counts(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, u := range m.users {
		if u.Role == models.RoleRider {
			s.Users++
		}
	}
	s.Drivers = len(m.drivers)
	s.TotalRides = len(m.rides)
	for _, r := range m.rides {
		if r.Status == models.RideCompleted {
			s.CompletedRides++
		}
	}
	return s, nil
}
