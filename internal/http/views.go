package httpapi

import (
	"net/http"

	"github.com/example/ride-dispatch/internal/models"
)

// Read-model projections. These denormalize user and driver details onto the
// canonical records for presentation; they are never written back.

type userSummary struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type driverView struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Email   string          `json:"email,omitempty"`
	Vehicle *models.Vehicle `json:"vehicle,omitempty"`
	Loc     models.Coord    `json:"loc"`
	Rating  float64         `json:"rating"`
}

type rideView struct {
	*models.Ride
	Rider  *userSummary `json:"rider,omitempty"`
	Driver *driverView  `json:"driver,omitempty"`
}

func (s *Server) driverView(r *http.Request, d *models.Driver) driverView {
	v := driverView{ID: d.ID, Vehicle: d.Vehicle, Loc: d.Loc, Rating: d.Rating}
	if u, err := s.Store.GetUser(r.Context(), d.UserID); err == nil {
		v.Name = u.Name
		v.Email = u.Email
	}
	return v
}

func (s *Server) rideView(r *http.Request, ride *models.Ride) rideView {
	v := rideView{Ride: ride}
	if u, err := s.Store.GetUser(r.Context(), ride.RiderID); err == nil {
		v.Rider = &userSummary{Name: u.Name, Email: u.Email}
	}
	if ride.DriverID != "" {
		if d, err := s.Store.GetDriver(r.Context(), ride.DriverID); err == nil {
			dv := s.driverView(r, d)
			v.Driver = &dv
		}
	}
	return v
}
