package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/feedback"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Engine   *rides.Engine
	Registry *drivers.Registry
	Feedback *feedback.Aggregator
	Ledger   *payments.Ledger
	Auth     *auth.Service
	Store    storage.Store
	MapKey   string
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(engine *rides.Engine, registry *drivers.Registry, agg *feedback.Aggregator, ledger *payments.Ledger, authSvc *auth.Service, store storage.Store, mapKey string, logger *slog.Logger) *Server {
	s := &Server{
		Engine:   engine,
		Registry: registry,
		Feedback: agg,
		Ledger:   ledger,
		Auth:     authSvc,
		Store:    store,
		MapKey:   mapKey,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")

	api.HandleFunc("/rides/request", s.authed(s.handleRequestRide, models.RoleRider)).Methods("POST")
	api.HandleFunc("/rides/nearby", s.authed(s.handleNearbyDrivers, models.RoleRider)).Methods("GET")
	api.HandleFunc("/rides/pending", s.authed(s.handlePendingRides, models.RoleDriver)).Methods("GET")
	api.HandleFunc("/rides/accept/{id}", s.authed(s.handleAcceptRide, models.RoleDriver)).Methods("PATCH")
	api.HandleFunc("/rides/start/{id}", s.authed(s.handleStartRide, models.RoleDriver)).Methods("PATCH")
	api.HandleFunc("/rides/complete/{id}", s.authed(s.handleCompleteRide, models.RoleDriver)).Methods("PATCH")
	api.HandleFunc("/rides/{id}", s.authed(s.handleGetRide)).Methods("GET")
	api.HandleFunc("/rides/{id}", s.authed(s.handleCancelRide, models.RoleRider)).Methods("DELETE")

	api.HandleFunc("/driver/profile/me", s.authed(s.handleDriverProfile, models.RoleDriver)).Methods("GET")
	api.HandleFunc("/driver/profile/me", s.authed(s.handleDriverOnboard, models.RoleDriver)).Methods("PUT")
	api.HandleFunc("/driver/location", s.authed(s.handleDriverLocation, models.RoleDriver)).Methods("PATCH")
	api.HandleFunc("/driver/availability", s.authed(s.handleDriverAvailability, models.RoleDriver)).Methods("PATCH")

	api.HandleFunc("/feedback", s.authed(s.handleFeedback, models.RoleRider)).Methods("POST")

	api.HandleFunc("/payments/order", s.authed(s.handlePaymentOrder)).Methods("POST")
	// unauthenticated gateway webhook; the signature is the authentication
	api.HandleFunc("/payments/verify", s.handlePaymentVerify).Methods("POST")

	api.HandleFunc("/map/static", s.authed(s.handleStaticMap)).Methods("GET")

	api.HandleFunc("/admin/stats", s.authed(s.handleAdminStats, models.RoleAdmin)).Methods("GET")
	api.HandleFunc("/admin/users", s.authed(s.handleAdminUsers, models.RoleAdmin)).Methods("GET")
	api.HandleFunc("/admin/drivers", s.authed(s.handleAdminDrivers, models.RoleAdmin)).Methods("GET")
	api.HandleFunc("/admin/rides", s.authed(s.handleAdminRides, models.RoleAdmin)).Methods("GET")
	api.HandleFunc("/admin/reconcile", s.authed(s.handleAdminReconcile, models.RoleAdmin)).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name,
		Email,
		Password,
		Role,
		PhoneNumber string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Name == "" || req.Email == "" || len(req.Password) < 6 {
		badRequest(w, "name, email and a password of at least 6 characters are required")
		return
	}
	role := models.Role(req.Role)
	if role != models.RoleDriver && role != models.RoleAdmin {
		role = models.RoleRider
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	now := time.Now()
	u := &models.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		PhoneNumber:  req.PhoneNumber,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateUser(r.Context(), u); err != nil {
		s.writeErr(w, err)
		return
	}
	if role == models.RoleDriver {
		if _, err := s.Registry.Register(r.Context(), u.ID); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	token, err := s.Auth.IssueToken(u.ID, u.Role)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "user": u})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct{ Email, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	u, err := s.Store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.Auth.IssueToken(u.ID, u.Role)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": u})
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pickup  models.Place `json:"pickup"`
		Dropoff models.Place `json:"dropoff"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ride, err := s.Engine.RequestRide(r.Context(), identityFrom(r.Context()).UserID, req.Pickup, req.Dropoff)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": ride})
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLon != nil {
		badRequest(w, "please provide latitude and longitude")
		return
	}
	found, err := s.Registry.FindNearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, 0)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	views := make([]driverView, 0, len(found))
	for _, d := range found {
		views = append(views, s.driverView(r, d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "drivers": views})
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Engine.PendingRides(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	views := make([]rideView, 0, len(pending))
	for _, ride := range pending {
		views = append(views, s.rideView(r, ride))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "rides": views})
}

// driverForRequest resolves the authenticated user to their driver record.
func (s *Server) driverForRequest(r *http.Request) (*models.Driver, error) {
	return s.Registry.Profile(r.Context(), identityFrom(r.Context()).UserID)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverForRequest(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ride, err := s.Engine.AcceptRide(r.Context(), mux.Vars(r)["id"], d.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": s.rideView(r, ride)})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverForRequest(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ride, err := s.Engine.StartRide(r.Context(), mux.Vars(r)["id"], d.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverForRequest(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req struct {
		FinalFare float64 `json:"final_fare"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ride, err := s.Engine.CompleteRide(r.Context(), mux.Vars(r)["id"], d.ID, req.FinalFare)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Engine.GetRide(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": s.rideView(r, ride)})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	err := s.Engine.CancelRide(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverForRequest(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver": d})
}

func (s *Server) handleDriverOnboard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleModel    string        `json:"vehicle_model"`
		LicensePlate    string        `json:"license_plate"`
		VehicleColor    string        `json:"vehicle_color"`
		InitialLocation *models.Coord `json:"initial_location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.VehicleModel == "" || req.LicensePlate == "" {
		badRequest(w, "vehicle model and license plate are required")
		return
	}
	v := models.Vehicle{Model: req.VehicleModel, LicensePlate: req.LicensePlate, Color: req.VehicleColor}
	d, err := s.Registry.Onboard(r.Context(), identityFrom(r.Context()).UserID, v, req.InitialLocation)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver": d})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverForRequest(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		badRequest(w, err.Error())
		return
	}
	if !loc.Valid() {
		badRequest(w, "coordinates out of range")
		return
	}
	if err := s.Registry.SetPosition(r.Context(), d.ID, loc); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	d, err := s.driverForRequest(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.Registry.SetAvailability(r.Context(), d.ID, req.Available); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID  string `json:"ride_id"`
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	fb, err := s.Feedback.Record(r.Context(), req.RideID, identityFrom(r.Context()).UserID, req.Rating, req.Comment)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"feedback": fb})
}

func (s *Server) handlePaymentOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RideID string `json:"ride_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	p, err := s.Ledger.OpenOrder(r.Context(), req.RideID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": p})
}

func (s *Server) handlePaymentVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID   string `json:"order_id"`
		PaymentID string `json:"payment_id"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	outcome, err := s.Ledger.VerifyCallback(r.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if outcome != payments.OutcomeVerified {
		writeError(w, http.StatusBadRequest, "payment verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Server) handleStaticMap(w http.ResponseWriter, r *http.Request) {
	pickup, err1 := parseLonLat(r.URL.Query().Get("pickup"))
	dropoff, err2 := parseLonLat(r.URL.Query().Get("dropoff"))
	if err1 != nil || err2 != nil {
		badRequest(w, "please provide pickup and dropoff coordinates as lon,lat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": maps.StaticURL(s.MapKey, pickup, dropoff)})
}

func parseLonLat(v string) (models.Coord, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return models.Coord{}, errors.New("expected lon,lat")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Coord{}, err
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Coord{}, err
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Counts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Store.ListUsersByRole(r.Context(), models.RoleRider)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(users), "users": users})
}

func (s *Server) handleAdminDrivers(w http.ResponseWriter, r *http.Request) {
	all, err := s.Store.ListDrivers(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	views := make([]driverView, 0, len(all))
	for _, d := range all {
		views = append(views, s.driverView(r, d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "drivers": views})
}

func (s *Server) handleAdminRides(w http.ResponseWriter, r *http.Request) {
	all, err := s.Store.ListRides(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	views := make([]rideView, 0, len(all))
	for _, ride := range all {
		views = append(views, s.rideView(r, ride))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "rides": views})
}

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	repaired, err := s.Engine.Reconcile(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repaired": repaired})
}

// writeErr maps domain failures onto the public taxonomy; anything unmatched
// surfaces as an opaque 500 so internals never leak.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, rides.ErrNoDriversAvailable):
		writeError(w, http.StatusNotFound, "no available drivers found nearby")
	case errors.Is(err, storage.ErrRideNotPending):
		writeError(w, http.StatusConflict, "ride is no longer pending")
	case errors.Is(err, storage.ErrDriverUnavailable):
		writeError(w, http.StatusConflict, "driver is not available")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, "operation not legal for current ride status")
	case errors.Is(err, rides.ErrNotAuthorized), errors.Is(err, feedback.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized for this record")
	case errors.Is(err, rides.ErrInvalidCoordinates):
		writeError(w, http.StatusBadRequest, "pickup and dropoff must carry valid coordinates")
	case errors.Is(err, feedback.ErrRideNotCompleted):
		writeError(w, http.StatusBadRequest, "feedback can only be submitted for completed rides")
	case errors.Is(err, feedback.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, "rating must be between 1 and 5")
	case errors.Is(err, storage.ErrDuplicateFeedback):
		writeError(w, http.StatusBadRequest, "feedback has already been submitted for this ride")
	case errors.Is(err, storage.ErrDuplicateEmail):
		writeError(w, http.StatusBadRequest, "email already registered")
	default:
		if s.logger != nil {
			s.logger.Error("internal error", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func badRequest(w http.ResponseWriter, msg string) { writeError(w, http.StatusBadRequest, msg) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
