package matcher

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/gf5-dispatch/internal/eta"
	"github.com/example/gf5-dispatch/internal/geo"
	"github.com/example/gf5-dispatch/internal/models"
	"github.com/example/gf5-dispatch/internal/observability"
	"github.com/example/gf5-dispatch/internal/payments"
	"github.com/example/gf5-dispatch/internal/storage"
)

// ErrNoMatch means the candidate fetch succeeded but no driver qualified.
// A failed fetch is a different error; callers must not conflate the two.
var ErrNoMatch = errors.New("no drivers available")

type Geo interface {
	Nearby(lat, lon float64, limit int) ([]models.Driver, error)
}

type Dispatcher interface {
	Offer(rideID string, offer models.MatchOffer) error
}

// FindBestMatch selects the single best driver for a pickup point, or reports
// no match for an empty candidate list. The ranking is rating descending with
// great-circle distance to the pickup as the tie-break; the sort is stable, so
// candidates equal on both keys keep their input order. The result is always
// an element of the input.
func FindBestMatch(drivers []models.Driver, pickupLat, pickupLon float64) (models.Driver, bool) {
	if len(drivers) == 0 {
		return models.Driver{}, false
	}
	ranked := make([]models.Driver, len(drivers))
	copy(ranked, drivers)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Rating != ranked[j].Rating {
			return ranked[i].Rating > ranked[j].Rating
		}
		di := geo.Haversine(ranked[i].Loc.Lat, ranked[i].Loc.Lon, pickupLat, pickupLon)
		dj := geo.Haversine(ranked[j].Loc.Lat, ranked[j].Loc.Lon, pickupLat, pickupLon)
		return di < dj
	})
	return ranked[0], true
}

type Service struct {
	Geo             Geo
	Dispatch        Dispatcher
	Store           storage.TripStore
	DefaultSpeedMps float64
	TopN            int
	ETAClient       eta.Client // optional OSRM client
	ETACache        *eta.Cache // optional ETA cache
}

// Match runs the fetch-then-rank sequence: pull nearby available candidates,
// pick the best by rating-then-distance, persist the matched ride, and offer
// it to the driver. Dispatch is best-effort; the rider gets the offer either
// way. A candidate fetch failure surfaces as-is, never as ErrNoMatch.
func (s *Service) Match(rideID string, req models.RideRequest) (models.MatchOffer, error) {
	if s.TopN <= 0 {
		s.TopN = 10
	}
	start := time.Now()
	cands, err := s.Geo.Nearby(req.Origin.Lat, req.Origin.Lon, s.TopN)
	if err != nil {
		return models.MatchOffer{}, fmt.Errorf("fetch candidates: %w", err)
	}
	best, ok := FindBestMatch(cands, req.Origin.Lat, req.Origin.Lon)
	if !ok {
		observability.NoMatchTotal.Inc()
		return models.MatchOffer{}, ErrNoMatch
	}

	offer := models.MatchOffer{
		DriverID: best.ID,
		ETA:      s.estimateETA(best.Loc, req.Origin),
		Cost:     float64(payments.EstimateHoldCents(req.Origin, req.Destination)) / 100,
	}
	_ = s.Dispatch.Offer(rideID, offer)
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(time.Since(start).Seconds())

	r := &models.Ride{
		ID:          rideID,
		RiderID:     req.RiderID,
		DriverID:    best.ID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Status:      models.RideMatched,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	_ = s.Store.SaveRide(r)
	return offer, nil
}

func (s *Service) estimateETA(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
