package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/gf5-dispatch/internal/config"
	"github.com/example/gf5-dispatch/internal/dispatch"
	"github.com/example/gf5-dispatch/internal/eta"
	"github.com/example/gf5-dispatch/internal/geo"
	"github.com/example/gf5-dispatch/internal/ingest"
	"github.com/example/gf5-dispatch/internal/matcher"
	"github.com/example/gf5-dispatch/internal/models"
	"github.com/example/gf5-dispatch/internal/observability"
	"github.com/example/gf5-dispatch/internal/payments"
	"github.com/example/gf5-dispatch/internal/storage"
)

type Server struct {
	Geo      geo.Geo
	Matcher  *matcher.Service
	Store    storage.TripStore
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	Tokens   *dispatch.TokenStore
	Payments *payments.StripeClient

	logger *slog.Logger
	mux    *mux.Router

	sessionMu sync.Mutex
	sessions  map[string]*matcher.Session
}

// NewServer wires the API process from config: Redis geo state when
// configured (in-memory index otherwise), Postgres trips when configured
// (memory otherwise), optional Kafka ingest, websocket + push dispatch.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry()
	tokens := dispatch.NewTokenStore()
	push := dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	var disp matcher.Dispatcher = push
	if cfg.FCMEndpoint != "" {
		disp = dispatch.Fallback{
			push,
			dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey, tokens.Resolve),
		}
	}

	m := &matcher.Service{
		Geo:             ggeo,
		Dispatch:        disp,
		Store:           store,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
	}
	if cfg.OSRMEndpoint != "" {
		m.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		m.ETACache = eta.NewCache(cfg.ETACacheTTL)
	}
	s := &Server{
		Geo:      ggeo,
		Matcher:  m,
		Store:    store,
		Kafka:    kp,
		WSReg:    wsreg,
		Tokens:   tokens,
		Payments: payments.NewStripeClient(),
		logger:   logger,
		mux:      mux.NewRouter(),
		sessions: make(map[string]*matcher.Session),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleRideDetails).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleRideCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decision", s.handleRideDecision).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/session", s.handleSessionStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/session", s.handleSessionStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/riders/{rider_id}/session/cancel", s.handleSessionCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/available", s.handleAvailableDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/status", s.handleDriverStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/device", s.handleDeviceRegister).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleDriverLocation ingests a driver snapshot: publish to Kafka when
// configured, update the geo state, bump the online gauge.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" {
		http.Error(w, "driver id required", http.StatusBadRequest)
		return
	}
	if d.Status == "" {
		d.Status = models.StatusAvailable
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishDriver(r.Context(), d); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", d.ID, "error", err)
		}
	}
	s.Geo.Upsert(d)
	observability.DriverIngestTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var rr models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rideID := uuid.NewString()
	offer, err := s.Matcher.Match(rideID, rr)
	if errors.Is(err, matcher.ErrNoMatch) {
		http.Error(w, "no drivers available", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.logger.Error("candidate fetch failed", "ride_id", rideID, "error", err)
		http.Error(w, "driver lookup unavailable", http.StatusBadGateway)
		return
	}

	if s.Payments.Enabled() {
		ride, err := s.Store.GetRide(rideID)
		if err == nil {
			if piID, err := s.Payments.HoldForRide(r.Context(), &ride, rr.RiderID); err != nil {
				s.logger.Warn("payment hold failed", "ride_id", rideID, "error", err)
			} else if piID != "" {
				ride.PaymentIntentID = piID
				ride.UpdatedAt = time.Now()
				_ = s.Store.UpdateRide(&ride)
			}
		}
	}

	resp := map[string]any{"ride_id": rideID, "offer": offer}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRideDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.Store.GetRide(id)
	if errors.Is(err, storage.ErrRideNotFound) {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ride_id":     ride.ID,
		"status":      ride.Status,
		"driver_id":   ride.DriverID,
		"origin":      ride.Origin,
		"destination": ride.Destination,
	})
}

func (s *Server) handleRideCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.Store.GetRide(id)
	if errors.Is(err, storage.ErrRideNotFound) {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ride.Status == models.RideCanceled {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ride.Status = models.RideCanceled
	ride.UpdatedAt = time.Now()
	if err := s.Store.UpdateRide(&ride); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.Payments.Cancel(r.Context(), ride.PaymentIntentID); err != nil {
		// the ride is already canceled; the hold expires on its own
		s.logger.Warn("payment hold release failed", "ride_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAvailableDrivers is the driver-listing endpoint: id, name,
// coordinates, rating, and vehicle descriptor for every available driver.
func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.Geo.Available()
	if err != nil {
		s.logger.Error("driver listing failed", "error", err)
		http.Error(w, "driver lookup unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"drivers": drivers})
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := models.ParseDriverStatus(body.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.setStatus(r, driverID, status); err != nil {
		s.logger.Error("status write failed", "driver_id", driverID, "error", err)
		http.Error(w, "status update failed", http.StatusBadGateway)
		return
	}
	observability.StatusUpdatesTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleRideDecision records the driver's accept or decline for an offered
// ride. A decline puts the ride back in the request pool.
func (s *Server) handleRideDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	var dec models.MatchDecision
	if err := json.NewDecoder(r.Body).Decode(&dec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Store.GetRide(id)
	if errors.Is(err, storage.ErrRideNotFound) {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if dec.DriverID != "" && dec.DriverID != ride.DriverID {
		http.Error(w, "ride is not offered to this driver", http.StatusConflict)
		return
	}
	if dec.Accepted {
		ride.Status = models.RideAccepted
	} else {
		ride.Status = models.RideRequested
		ride.DriverID = ""
	}
	ride.UpdatedAt = time.Now()
	if err := s.Store.UpdateRide(&ride); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// session returns the rider's session, creating it on first use. Sessions are
// backed by the live geo state and kept for the life of the process.
func (s *Server) session(riderID string) *matcher.Session {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	sess, ok := s.sessions[riderID]
	if !ok {
		sess = matcher.NewSession(matcher.GeoSource{Geo: s.Geo})
		s.sessions[riderID] = sess
	}
	return sess
}

// handleSessionStart begins (or restarts) the rider's driver search. The
// search runs detached from the request; poll the status endpoint for the
// outcome.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["rider_id"]
	var body struct {
		Pickup models.Coord `json:"pickup"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess := s.session(riderID)
	sess.Request(context.Background(), body.Pickup.Lat, body.Pickup.Lon)
	writeSessionStatus(w, http.StatusAccepted, sess.Status())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.session(mux.Vars(r)["rider_id"])
	writeSessionStatus(w, http.StatusOK, sess.Status())
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	sess := s.session(mux.Vars(r)["rider_id"])
	sess.Cancel()
	writeSessionStatus(w, http.StatusOK, sess.Status())
}

func writeSessionStatus(w http.ResponseWriter, code int, st matcher.MatchingStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := map[string]any{"state": st.State.String()}
	if st.State == matcher.StateMatched {
		resp["driver"] = st.Driver
	}
	if st.Err != "" {
		resp["error"] = st.Err
	}
	json.NewEncoder(w).Encode(resp)
}

// handleDeviceRegister stores the push token the driver app registers on
// login. Offers fall back to this token when the websocket is closed.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Token == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}
	s.Tokens.Register(driverID, body.Token)
	w.WriteHeader(http.StatusNoContent)
}

// setStatus routes the write to the backing geo state. Writes are
// last-write-wins; concurrent updates for the same driver are not sequenced.
func (s *Server) setStatus(r *http.Request, driverID string, status models.DriverStatus) error {
	if rg, ok := s.Geo.(*geo.RedisGeo); ok {
		return rg.SetStatus(r.Context(), driverID, status)
	}
	if idx, ok := s.Geo.(*geo.Index); ok {
		d, found := idx.Get(driverID)
		if !found {
			d = models.Driver{ID: driverID}
		}
		d.Status = status
		idx.Upsert(d)
		return nil
	}
	return errors.New("unsupported geo backend")
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
