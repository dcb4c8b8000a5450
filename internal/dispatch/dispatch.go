package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/gf5-dispatch/internal/models"
)

// Offerer delivers a match offer to the chosen driver.
type Offerer interface {
	Offer(rideID string, offer models.MatchOffer) error
}

// Fallback tries each dispatcher in order until one delivers. The last
// error is returned when every channel fails.
type Fallback []Offerer

func (f Fallback) Offer(rideID string, offer models.MatchOffer) error {
	var err error
	for _, d := range f {
		if err = d.Offer(rideID, offer); err == nil {
			return nil
		}
	}
	return err
}

// HTTPDispatcher posts match offers to a driver-app backend endpoint.
type HTTPDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPDispatcher(endpoint string) *HTTPDispatcher {
	return &HTTPDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (d *HTTPDispatcher) Offer(rideID string, offer models.MatchOffer) error {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 2 * time.Second}
	}
	payload := map[string]any{"ride_id": rideID, "offer": offer}
	b, _ := json.Marshal(payload)
	resp, err := d.Client.Post(d.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch endpoint returned %s", resp.Status)
	}
	return nil
}
