package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/example/gf5-dispatch/internal/models"
)

// TokenStore holds the device tokens drivers register for push delivery.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]string)}
}

func (t *TokenStore) Register(driverID, token string) {
	t.mu.Lock()
	t.tokens[driverID] = token
	t.mu.Unlock()
}

func (t *TokenStore) Resolve(driverID string) (string, bool) {
	t.mu.RLock()
	tok, ok := t.tokens[driverID]
	t.mu.RUnlock()
	return tok, ok
}

// TokenResolver maps a driver ID to the device token registered for push.
type TokenResolver func(driverID string) (string, bool)

// FCMDispatcher posts match offers to the FCM HTTPv1 endpoint using a server
// key or oauth token. Drivers without a registered device token are skipped.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Tokens   TokenResolver
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string, tokens TokenResolver) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Offer(rideID string, offer models.MatchOffer) error {
	var token string
	if f.Tokens != nil {
		t, ok := f.Tokens(offer.DriverID)
		if !ok {
			return fmt.Errorf("no device token for driver %s", offer.DriverID)
		}
		token = t
	}
	body := map[string]any{"message": map[string]any{
		"token": token,
		"data": map[string]any{
			"type":    "new_ride",
			"ride_id": rideID,
			"offer":   offer,
		},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
