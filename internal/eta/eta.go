package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/gf5-dispatch/internal/models"
)

// Client is the routed-ETA lookup the matcher consults before falling back to
// the naive estimate.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// defaultSpeedMps is used when the caller passes a non-positive speed,
// roughly 29 km/h city traffic.
const defaultSpeedMps = 8.0

// EstimateSeconds is the fallback estimate: straight-line distance over an
// assumed speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// haversine returns metres (speedMps is metres per second).
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180.0
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Cache memoizes ETA lookups per origin/destination pair for a fixed TTL.
// Expired entries are evicted lazily on read.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	seconds float64
	at      time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := pairKey(from, to)
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.at) > c.ttl {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	c.entries[pairKey(from, to)] = cacheEntry{seconds: seconds, at: time.Now()}
	c.mu.Unlock()
}

func pairKey(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f>%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}
