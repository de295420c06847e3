package wsgateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"flowrunner/internal/apierr"
	"flowrunner/internal/bus"
	"flowrunner/internal/telemetry"
)

// Registry bounds how many tasks may have an active WebSocket Manager at
// once and hands out the per-task Manager on demand. ctx bounds the
// lifetime of every Manager's background stream follower; it is normally
// the server process's root context, so followers are torn down together
// on shutdown.
type Registry struct {
	mu             sync.Mutex
	managers       map[string]*Manager
	bus            *bus.Bus
	ctx            context.Context
	maxActiveTasks int
	maxClients     int
	queueSize      int
	logger         *slog.Logger
}

// NewRegistry builds a Registry with the configured per-deployment limits.
func NewRegistry(ctx context.Context, b *bus.Bus, maxActiveTasks, maxClientsPerTask, queueSize int, logger *slog.Logger) *Registry {
	return &Registry{
		managers:       make(map[string]*Manager),
		bus:            b,
		ctx:            ctx,
		maxActiveTasks: maxActiveTasks,
		maxClients:     maxClientsPerTask,
		queueSize:      queueSize,
		logger:         logger,
	}
}

// GetOrCreate returns the Manager for taskID, creating one (and starting
// its single background stream follower) if this is the first client to
// watch that task. Returns apierr.QuotaExceeded if creating one would
// exceed maxActiveTasks.
func (r *Registry) GetOrCreate(taskID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[taskID]; ok {
		return m, nil
	}
	if len(r.managers) >= r.maxActiveTasks {
		return nil, apierr.New(apierr.QuotaExceeded, "too many tasks have active WebSocket connections")
	}
	m := newManager(r.ctx, taskID, r.bus, r.maxClients, r.queueSize, r.logger)
	r.managers[taskID] = m
	telemetry.WSTasksGauge.Inc()
	return m, nil
}

// RemoveIfEmpty drops a task's Manager once it has no connected clients, so
// a brief reconnect gap doesn't permanently occupy a task slot, and stops
// its background follower.
func (r *Registry) RemoveIfEmpty(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[taskID]
	if !ok || !m.IsEmpty() {
		return
	}
	delete(r.managers, taskID)
	m.Stop()
	telemetry.WSTasksGauge.Dec()
}

// Stats reports current occupancy for observability.
func (r *Registry) Stats() (activeTasks, connectedClients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.managers {
		connectedClients += m.ClientCount()
	}
	return len(r.managers), connectedClients
}

// ExpireIdle removes every Manager that is both empty and has been idle
// longer than maxIdle, freeing its task slot for a different task and
// stopping its background follower.
func (r *Registry) ExpireIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for taskID, m := range r.managers {
		if m.IsEmpty() && m.IdleSince() > maxIdle {
			delete(r.managers, taskID)
			m.Stop()
			telemetry.WSTasksGauge.Dec()
			removed++
		}
	}
	return removed
}

// SweepLoop periodically calls ExpireIdle until stop is closed; callers
// typically run this in its own goroutine.
func (r *Registry) SweepLoop(stop <-chan struct{}, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := r.ExpireIdle(maxIdle); n > 0 {
				r.logger.Debug("wsgateway: expired idle task managers", "count", n)
			}
		}
	}
}
