package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/gf5-dispatch/internal/config"
	"github.com/example/gf5-dispatch/internal/logging"
	"github.com/example/gf5-dispatch/internal/models"
	"github.com/example/gf5-dispatch/internal/observability"
)

// downGeo simulates an unreachable backing store.
type downGeo struct{}

func (downGeo) Nearby(lat, lon float64, limit int) ([]models.Driver, error) {
	return nil, errors.New("connection refused")
}
func (downGeo) Available() ([]models.Driver, error) { return nil, errors.New("connection refused") }
func (downGeo) Upsert(d models.Driver)              {}

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.ServerConfig{DefaultSpeedMps: 10, MatcherTopN: 8, LogLevel: "error"}
	return NewServer(cfg, logging.NewLogger("error"))
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func seedDriver(t *testing.T, s *Server, id string, rating float64, lat, lon float64) {
	t.Helper()
	w := postJSON(t, s, "/internal/driver/locations", models.Driver{
		ID:     id,
		Name:   "Driver " + id,
		Loc:    models.Coord{Lat: lat, Lon: lon},
		Rating: rating,
		Status: models.StatusAvailable,
		Vehicle: models.Vehicle{
			Model:        "Prius",
			LicensePlate: "GF5-" + id,
		},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("seed driver %s: %d %s", id, w.Code, w.Body.String())
	}
}

func TestRideRequestMatchesBestDriver(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "low", 4.5, 0, 0)
	seedDriver(t, s, "high", 4.9, 0.1, 0.1)

	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{
		RiderID: "r1",
		Origin:  models.Coord{Lat: 0, Lon: 0},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ride request failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		RideID string            `json:"ride_id"`
		Offer  models.MatchOffer `json:"offer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Offer.DriverID != "high" {
		t.Fatalf("expected rating to beat distance, got %s", resp.Offer.DriverID)
	}

	// fresh fetch sees the matched ride
	w = get(t, s, "/api/v1/rides/"+resp.RideID)
	if w.Code != http.StatusOK {
		t.Fatalf("ride details: %d", w.Code)
	}
	var details struct {
		Status   string `json:"status"`
		DriverID string `json:"driver_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &details)
	if details.Status != models.RideMatched || details.DriverID != "high" {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func TestRideRequestNoDrivers(t *testing.T) {
	s := testServer(t)
	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{RiderID: "r1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

// A store outage must answer 502, not the 503 no-drivers response.
func TestRideRequestStoreOutageIsNotNoDrivers(t *testing.T) {
	s := testServer(t)
	s.Geo = downGeo{}
	s.Matcher.Geo = downGeo{}

	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{RiderID: "r1"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", w.Code, w.Body.String())
	}

	if w := get(t, s, "/api/v1/drivers/available"); w.Code != http.StatusBadGateway {
		t.Fatalf("listing: expected 502, got %d", w.Code)
	}
}

func TestRideDetailsNotFound(t *testing.T) {
	s := testServer(t)
	if w := get(t, s, "/api/v1/rides/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRideCancel(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "a", 4.0, 0, 0)
	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{RiderID: "r1"})
	var resp struct {
		RideID string `json:"ride_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	if w := postJSON(t, s, "/api/v1/rides/"+resp.RideID+"/cancel", nil); w.Code != http.StatusNoContent {
		t.Fatalf("cancel failed: %d", w.Code)
	}
	w2 := get(t, s, "/api/v1/rides/"+resp.RideID)
	var details struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(w2.Body.Bytes(), &details)
	if details.Status != models.RideCanceled {
		t.Fatalf("expected canceled, got %s", details.Status)
	}

	// cancel is idempotent
	if w := postJSON(t, s, "/api/v1/rides/"+resp.RideID+"/cancel", nil); w.Code != http.StatusNoContent {
		t.Fatalf("second cancel: %d", w.Code)
	}
}

func TestAvailableDriversListing(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "a", 4.0, 1, 1)
	seedDriver(t, s, "b", 5.0, 2, 2)

	w := get(t, s, "/api/v1/drivers/available")
	if w.Code != http.StatusOK {
		t.Fatalf("listing failed: %d", w.Code)
	}
	var resp struct {
		Drivers []models.Driver `json:"drivers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Drivers) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(resp.Drivers))
	}
	for _, d := range resp.Drivers {
		if d.Vehicle.LicensePlate == "" || d.Name == "" {
			t.Fatalf("listing missing descriptor fields: %+v", d)
		}
	}
}

func TestDriverStatusUpdate(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "a", 4.0, 0, 0)

	w := postJSON(t, s, "/api/v1/drivers/a/status", map[string]string{"status": "busy"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status update failed: %d %s", w.Code, w.Body.String())
	}

	// busy drivers disappear from the listing
	var resp struct {
		Drivers []models.Driver `json:"drivers"`
	}
	_ = json.Unmarshal(get(t, s, "/api/v1/drivers/available").Body.Bytes(), &resp)
	if len(resp.Drivers) != 0 {
		t.Fatalf("busy driver still listed: %+v", resp.Drivers)
	}
}

func sessionState(t *testing.T, s *Server, riderID string) string {
	t.Helper()
	var resp struct {
		State string `json:"state"`
	}
	w := get(t, s, "/api/v1/riders/"+riderID+"/session")
	if w.Code != http.StatusOK {
		t.Fatalf("session status: %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.State
}

func TestRiderSessionLifecycle(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "low", 4.2, 0, 0)
	seedDriver(t, s, "high", 4.9, 0.2, 0.2)

	w := postJSON(t, s, "/api/v1/riders/r1/session", map[string]any{
		"pickup": models.Coord{Lat: 0, Lon: 0},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("session start: %d %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for sessionState(t, s, "r1") != "matched" {
		if time.Now().After(deadline) {
			t.Fatalf("session never matched, state %s", sessionState(t, s, "r1"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	var matched struct {
		Driver models.Driver `json:"driver"`
	}
	_ = json.Unmarshal(get(t, s, "/api/v1/riders/r1/session").Body.Bytes(), &matched)
	if matched.Driver.ID != "high" {
		t.Fatalf("expected high, got %s", matched.Driver.ID)
	}

	if w := postJSON(t, s, "/api/v1/riders/r1/session/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("session cancel: %d", w.Code)
	}
	if st := sessionState(t, s, "r1"); st != "idle" {
		t.Fatalf("expected idle after cancel, got %s", st)
	}
}

// A session against a dead store lands in the error state, not no_match.
func TestRiderSessionSurfacesStoreError(t *testing.T) {
	s := testServer(t)
	s.Geo = downGeo{}

	postJSON(t, s, "/api/v1/riders/r1/session", map[string]any{"pickup": models.Coord{}})
	deadline := time.Now().Add(2 * time.Second)
	for sessionState(t, s, "r1") != "error" {
		if time.Now().After(deadline) {
			t.Fatalf("expected error state, got %s", sessionState(t, s, "r1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRideDecision(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "a", 4.0, 0, 0)
	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{RiderID: "r1"})
	var resp struct {
		RideID string `json:"ride_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	// wrong driver cannot decide
	w = postJSON(t, s, "/api/v1/rides/"+resp.RideID+"/decision", models.MatchDecision{DriverID: "b", Accepted: true})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w = postJSON(t, s, "/api/v1/rides/"+resp.RideID+"/decision", models.MatchDecision{DriverID: "a", Accepted: true})
	if w.Code != http.StatusNoContent {
		t.Fatalf("accept failed: %d %s", w.Code, w.Body.String())
	}
	var details struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(get(t, s, "/api/v1/rides/"+resp.RideID).Body.Bytes(), &details)
	if details.Status != models.RideAccepted {
		t.Fatalf("expected accepted, got %s", details.Status)
	}
}

func TestRideDecisionDeclineRequeues(t *testing.T) {
	s := testServer(t)
	seedDriver(t, s, "a", 4.0, 0, 0)
	w := postJSON(t, s, "/api/v1/rides/request", models.RideRequest{RiderID: "r1"})
	var resp struct {
		RideID string `json:"ride_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	if w := postJSON(t, s, "/api/v1/rides/"+resp.RideID+"/decision", models.MatchDecision{DriverID: "a", Accepted: false}); w.Code != http.StatusNoContent {
		t.Fatalf("decline failed: %d", w.Code)
	}
	var details struct {
		Status   string `json:"status"`
		DriverID string `json:"driver_id"`
	}
	_ = json.Unmarshal(get(t, s, "/api/v1/rides/"+resp.RideID).Body.Bytes(), &details)
	if details.Status != models.RideRequested || details.DriverID != "" {
		t.Fatalf("decline did not requeue the ride: %+v", details)
	}
}

func TestDriverIngestCountsEvents(t *testing.T) {
	s := testServer(t)
	before := testutil.ToFloat64(observability.DriverIngestTotal)
	seedDriver(t, s, "a", 4.0, 0, 0)
	seedDriver(t, s, "a", 4.0, 0, 0) // same driver again still counts an event
	if got := testutil.ToFloat64(observability.DriverIngestTotal) - before; got != 2 {
		t.Fatalf("expected 2 ingest events, counted %f", got)
	}
}

func TestDriverStatusRejectsUnknownValue(t *testing.T) {
	s := testServer(t)
	w := postJSON(t, s, "/api/v1/drivers/a/status", map[string]string{"status": "asleep"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
