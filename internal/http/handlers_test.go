package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/feedback"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

var webhookSecret = []byte("webhook-secret")

type stubGateway struct{ orders int }

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error) {
	g.orders++
	return fmt.Sprintf("order_%d", g.orders), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	engine := &rides.Engine{Store: store, Geo: idx}
	registry := &drivers.Registry{Store: store, Geo: idx}
	agg := &feedback.Aggregator{Store: store}
	ledger := &payments.Ledger{Store: store, Gateway: &stubGateway{}, Secret: webhookSecret}
	authSvc := auth.NewService([]byte("test-jwt-secret"), time.Hour)
	return NewServer(engine, registry, agg, ledger, authSvc, store, "", nil)
}

func do(t *testing.T, s *Server, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	out := map[string]any{}
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr, out
}

func register(t *testing.T, s *Server, name, email, role string) (token, userID string) {
	t.Helper()
	rr, out := do(t, s, "POST", "/api/v1/auth/register", "", map[string]any{
		"name": name, "email": email, "password": "secret1", "role": role,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", email, rr.Code, rr.Body)
	}
	user := out["user"].(map[string]any)
	return out["token"].(string), user["id"].(string)
}

func onboardDriver(t *testing.T, s *Server, token string, lat, lon float64) {
	t.Helper()
	rr, _ := do(t, s, "PUT", "/api/v1/driver/profile/me", token, map[string]any{
		"vehicle_model": "Swift", "license_plate": "MP09AB1234", "vehicle_color": "white",
		"initial_location": map[string]float64{"lat": lat, "lon": lon},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("onboard: status %d body %s", rr.Code, rr.Body)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	rr, _ := do(t, s, "POST", "/api/v1/rides/request", "", map[string]any{})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rr.Code)
	}
	rr, _ = do(t, s, "POST", "/api/v1/rides/request", "garbage", map[string]any{})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", rr.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	s := newTestServer(t)
	riderTok, _ := register(t, s, "Rider", "rider@example.com", "user")

	// rider endpoints are closed to drivers and vice versa
	rr, _ := do(t, s, "GET", "/api/v1/rides/pending", riderTok, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("rider listing pending rides: status %d", rr.Code)
	}
	rr, _ = do(t, s, "GET", "/api/v1/admin/stats", riderTok, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("rider on admin surface: status %d", rr.Code)
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	s := newTestServer(t)
	register(t, s, "First", "same@example.com", "user")
	rr, _ := do(t, s, "POST", "/api/v1/auth/register", "", map[string]any{
		"name": "Second", "email": "same@example.com", "password": "secret1",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("duplicate email: status %d", rr.Code)
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	register(t, s, "Rider", "rider@example.com", "user")

	rr, out := do(t, s, "POST", "/api/v1/auth/login", "", map[string]any{
		"email": "rider@example.com", "password": "secret1",
	})
	if rr.Code != http.StatusOK || out["token"] == "" {
		t.Fatalf("login: status %d body %s", rr.Code, rr.Body)
	}
	rr, _ = do(t, s, "POST", "/api/v1/auth/login", "", map[string]any{
		"email": "rider@example.com", "password": "wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", rr.Code)
	}
}

// Full trip through the public surface: registration, onboarding, request,
// accept, start, complete, feedback, payment.
func TestRideLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	riderTok, _ := register(t, s, "Rider", "rider@example.com", "user")
	driverTok, _ := register(t, s, "Driver", "driver@example.com", "driver")
	onboardDriver(t, s, driverTok, 22.754, 75.894)

	// rider sees the driver nearby
	rr, out := do(t, s, "GET", "/api/v1/rides/nearby?lat=22.754&lng=75.895", riderTok, nil)
	if rr.Code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("nearby: status %d body %s", rr.Code, rr.Body)
	}

	rr, out = do(t, s, "POST", "/api/v1/rides/request", riderTok, map[string]any{
		"pickup":  map[string]any{"lat": 22.754, "lon": 75.895, "address": "56 Palasia"},
		"dropoff": map[string]any{"lat": 22.72, "lon": 75.88, "address": "Rajwada"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("request: status %d body %s", rr.Code, rr.Body)
	}
	rideID := out["ride"].(map[string]any)["id"].(string)

	// driver polls pending and accepts
	rr, out = do(t, s, "GET", "/api/v1/rides/pending", driverTok, nil)
	if rr.Code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("pending: status %d body %s", rr.Code, rr.Body)
	}
	rr, _ = do(t, s, "PATCH", "/api/v1/rides/accept/"+rideID, driverTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", rr.Code, rr.Body)
	}
	// a second accept conflicts
	rr, _ = do(t, s, "PATCH", "/api/v1/rides/accept/"+rideID, driverTok, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("re-accept: status %d", rr.Code)
	}

	rr, _ = do(t, s, "PATCH", "/api/v1/rides/start/"+rideID, driverTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: status %d body %s", rr.Code, rr.Body)
	}
	rr, _ = do(t, s, "PATCH", "/api/v1/rides/complete/"+rideID, driverTok, map[string]any{"final_fare": 190.0})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rr.Code, rr.Body)
	}

	// rider rates the trip; second attempt bounces
	rr, _ = do(t, s, "POST", "/api/v1/feedback", riderTok, map[string]any{"ride_id": rideID, "rating": 5})
	if rr.Code != http.StatusCreated {
		t.Fatalf("feedback: status %d body %s", rr.Code, rr.Body)
	}
	rr, _ = do(t, s, "POST", "/api/v1/feedback", riderTok, map[string]any{"ride_id": rideID, "rating": 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("duplicate feedback: status %d", rr.Code)
	}

	// payment: open an order, then the gateway webhook confirms it
	rr, out = do(t, s, "POST", "/api/v1/payments/order", riderTok, map[string]any{"ride_id": rideID})
	if rr.Code != http.StatusOK {
		t.Fatalf("order: status %d body %s", rr.Code, rr.Body)
	}
	orderID := out["payment"].(map[string]any)["order_id"].(string)

	mac := hmac.New(sha256.New, webhookSecret)
	mac.Write([]byte(orderID + "|pay_1"))
	sig := hex.EncodeToString(mac.Sum(nil))

	rr, _ = do(t, s, "POST", "/api/v1/payments/verify", "", map[string]any{
		"order_id": orderID, "payment_id": "pay_1", "signature": sig,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rr.Code, rr.Body)
	}
	// forged webhook for a fresh order is rejected
	rr, out = do(t, s, "POST", "/api/v1/payments/order", riderTok, map[string]any{"ride_id": rideID})
	if rr.Code != http.StatusOK {
		t.Fatal("second order should open")
	}
	orderID = out["payment"].(map[string]any)["order_id"].(string)
	rr, _ = do(t, s, "POST", "/api/v1/payments/verify", "", map[string]any{
		"order_id": orderID, "payment_id": "pay_2", "signature": "forged",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("forged verify: status %d", rr.Code)
	}
}

func TestGetRideVisibility(t *testing.T) {
	s := newTestServer(t)
	riderTok, _ := register(t, s, "Rider", "rider@example.com", "user")
	driverTok, _ := register(t, s, "Driver", "driver@example.com", "driver")
	strangerTok, _ := register(t, s, "Stranger", "stranger@example.com", "user")
	onboardDriver(t, s, driverTok, 22.754, 75.894)

	_, out := do(t, s, "POST", "/api/v1/rides/request", riderTok, map[string]any{
		"pickup":  map[string]any{"lat": 22.754, "lon": 75.895},
		"dropoff": map[string]any{"lat": 22.72, "lon": 75.88},
	})
	rideID := out["ride"].(map[string]any)["id"].(string)

	rr, _ := do(t, s, "GET", "/api/v1/rides/"+rideID, riderTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("booking rider: status %d", rr.Code)
	}
	rr, _ = do(t, s, "GET", "/api/v1/rides/"+rideID, strangerTok, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("stranger: status %d", rr.Code)
	}
	rr, _ = do(t, s, "GET", "/api/v1/rides/nonexistent", riderTok, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing ride: status %d", rr.Code)
	}
}

func TestCancelRideOverHTTP(t *testing.T) {
	s := newTestServer(t)
	riderTok, _ := register(t, s, "Rider", "rider@example.com", "user")
	driverTok, _ := register(t, s, "Driver", "driver@example.com", "driver")
	onboardDriver(t, s, driverTok, 22.754, 75.894)

	_, out := do(t, s, "POST", "/api/v1/rides/request", riderTok, map[string]any{
		"pickup":  map[string]any{"lat": 22.754, "lon": 75.895},
		"dropoff": map[string]any{"lat": 22.72, "lon": 75.88},
	})
	rideID := out["ride"].(map[string]any)["id"].(string)

	rr, _ := do(t, s, "DELETE", "/api/v1/rides/"+rideID, riderTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", rr.Code, rr.Body)
	}
	rr, _ = do(t, s, "GET", "/api/v1/rides/"+rideID, riderTok, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cancelled ride should be gone: status %d", rr.Code)
	}
}

func TestRequestWithNoDriversNearby(t *testing.T) {
	s := newTestServer(t)
	riderTok, _ := register(t, s, "Rider", "rider@example.com", "user")
	rr, _ := do(t, s, "POST", "/api/v1/rides/request", riderTok, map[string]any{
		"pickup":  map[string]any{"lat": 22.754, "lon": 75.895},
		"dropoff": map[string]any{"lat": 22.72, "lon": 75.88},
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("no drivers: status %d body %s", rr.Code, rr.Body)
	}
}

func TestAdminSurface(t *testing.T) {
	s := newTestServer(t)
	adminTok, _ := register(t, s, "Admin", "admin@example.com", "admin")
	driverTok, _ := register(t, s, "Driver", "driver@example.com", "driver")
	onboardDriver(t, s, driverTok, 22.754, 75.894)
	register(t, s, "Rider", "rider@example.com", "user")

	rr, out := do(t, s, "GET", "/api/v1/admin/stats", adminTok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rr.Code)
	}
	stats := out["stats"].(map[string]any)
	if stats["users"].(float64) != 1 || stats["drivers"].(float64) != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}

	rr, out = do(t, s, "GET", "/api/v1/admin/drivers", adminTok, nil)
	if rr.Code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("drivers: status %d body %s", rr.Code, rr.Body)
	}

	rr, out = do(t, s, "POST", "/api/v1/admin/reconcile", adminTok, nil)
	if rr.Code != http.StatusOK || out["repaired"].(float64) != 0 {
		t.Fatalf("reconcile: status %d body %s", rr.Code, rr.Body)
	}
}
