package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/example/gf5-dispatch/internal/models"
)

// ErrPermissionDenied is returned by a Provider when the host refuses access
// to location data. It disables the propagation loop; there is no recovery
// beyond restarting the process with access granted.
var ErrPermissionDenied = errors.New("location permission denied")

// ProviderConfig mirrors the cadence requested from the platform location
// service: samples no more often than MinInterval, preferably every Interval,
// at high accuracy when HighAccuracy is set.
type ProviderConfig struct {
	Interval     time.Duration
	MinInterval  time.Duration
	HighAccuracy bool
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Interval:     10 * time.Second,
		MinInterval:  5 * time.Second,
		HighAccuracy: true,
	}
}

// Provider delivers periodic position samples. Updates returns a channel that
// is closed when ctx is cancelled, or an error (commonly ErrPermissionDenied)
// if the subscription cannot be established at all.
type Provider interface {
	Updates(ctx context.Context, cfg ProviderConfig) (<-chan models.Position, error)
}

// PositionFunc reads the current position from whatever source backs the
// process (GPS bridge, simulator, fixture).
type PositionFunc func() (models.Coord, error)

// TickerProvider samples a PositionFunc on the preferred interval. Samples
// that fail to read are skipped; the loop keeps its cadence.
type TickerProvider struct {
	Read PositionFunc
}

func (p *TickerProvider) Updates(ctx context.Context, cfg ProviderConfig) (<-chan models.Position, error) {
	if p.Read == nil {
		return nil, ErrPermissionDenied
	}
	// probe once so a source that refuses access fails the subscription
	// instead of silently producing nothing
	if _, err := p.Read(); err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval < cfg.MinInterval {
		interval = cfg.MinInterval
	}
	if interval <= 0 {
		interval = DefaultProviderConfig().Interval
	}
	out := make(chan models.Position)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c, err := p.Read()
				if err != nil {
					continue
				}
				select {
				case out <- models.Position{Coord: c, Timestamp: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
