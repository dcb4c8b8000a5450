package tracker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/gf5-dispatch/internal/models"
	"github.com/example/gf5-dispatch/internal/observability"
)

// PositionWriter commits one location sample to the driver and vehicle
// records as a single batched write.
type PositionWriter interface {
	UpdatePosition(ctx context.Context, driverID string, pos models.Position) error
}

// Publisher forwards accepted samples downstream (Kafka ingest).
type Publisher interface {
	PublishPosition(ctx context.Context, driverID string, pos models.Position) error
}

// Tracker is the propagation loop: for as long as its context lives it reads
// position samples from the provider and batch-writes each one to the remote
// driver and vehicle records. Failed writes are counted, logged, and dropped;
// there is no queued retry, so a transient store failure means that sample is
// simply missing and readers keep seeing the previous position.
type Tracker struct {
	DriverID  string
	Provider  Provider
	Store     PositionWriter
	Publisher Publisher // optional
	Config    ProviderConfig
	Logger    *slog.Logger
}

// Run blocks until ctx is cancelled or the provider refuses the subscription.
// A permission denial disables the loop entirely: Run returns the error and
// the hosting process decides whether to exit.
func (t *Tracker) Run(ctx context.Context) error {
	cfg := t.Config
	if cfg.Interval == 0 && cfg.MinInterval == 0 {
		cfg = DefaultProviderConfig()
	}
	updates, err := t.Provider.Updates(ctx, cfg)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			t.Logger.Error("location access denied, tracking disabled", "driver_id", t.DriverID)
		}
		return err
	}
	t.Logger.Info("tracking started", "driver_id", t.DriverID, "interval", cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			t.Logger.Info("tracking stopped", "driver_id", t.DriverID)
			return ctx.Err()
		case pos, ok := <-updates:
			if !ok {
				t.Logger.Info("provider closed", "driver_id", t.DriverID)
				return nil
			}
			t.push(ctx, pos)
		}
	}
}

func (t *Tracker) push(ctx context.Context, pos models.Position) {
	if err := t.Store.UpdatePosition(ctx, t.DriverID, pos); err != nil {
		observability.LocationWriteErrors.Inc()
		t.Logger.Warn("location write dropped", "driver_id", t.DriverID, "error", err)
		return
	}
	observability.LocationUpdatesTotal.Inc()
	if t.Publisher != nil {
		if err := t.Publisher.PublishPosition(ctx, t.DriverID, pos); err != nil {
			t.Logger.Warn("location publish failed", "driver_id", t.DriverID, "error", err)
		}
	}
}
