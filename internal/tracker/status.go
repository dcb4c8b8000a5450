package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/gf5-dispatch/internal/models"
	"github.com/example/gf5-dispatch/internal/observability"
)

// StatusWriter is the remote store surface the status manager writes through.
type StatusWriter interface {
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error
}

// StatusManager pushes a driver's availability state to the remote store.
// Each SetStatus is one write request with no optimistic local transition:
// the local mirror takes the requested value only after the store confirms.
// Concurrent calls are last-write-wins at the store; there is no sequencing
// token or version check.
type StatusManager struct {
	driverID string
	store    StatusWriter
	logger   *slog.Logger

	mu      sync.Mutex
	current models.DriverStatus
}

func NewStatusManager(driverID string, store StatusWriter, logger *slog.Logger) *StatusManager {
	return &StatusManager{
		driverID: driverID,
		store:    store,
		logger:   logger,
		current:  models.StatusOffline,
	}
}

// Current returns the last successfully published status.
func (m *StatusManager) Current() models.DriverStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetStatus issues the remote write and mirrors it locally on success. On
// failure the local state stays at the prior published value and the error is
// returned; there is no automatic retry. Calls through the same manager are
// serialized, so the value of the last call issued is the last to reach the
// store; writes from other devices sharing the driver ID are still
// last-write-wins with no version check.
func (m *StatusManager) SetStatus(ctx context.Context, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SetStatus(ctx, m.driverID, status); err != nil {
		m.logger.Error("status update failed", "driver_id", m.driverID, "status", string(status), "error", err)
		return err
	}
	m.current = status
	observability.StatusUpdatesTotal.Inc()
	m.logger.Info("status updated", "driver_id", m.driverID, "status", string(status))
	return nil
}
