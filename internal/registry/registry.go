// Package registry tracks the live worker population on top of the
// coordination store and answers capability-matching queries for the
// dispatcher.
package registry

import (
	"context"
	"math/rand"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/coordstore"
	"github.com/taskmesh/taskmesh/internal/models"
)

// Registry is the worker registry handle. Safe for concurrent use.
type Registry struct {
	store          *coordstore.Store
	livenessWindow time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a Registry. The liveness window doubles as the TTL on worker
// status hashes, so a crashed worker disappears from both views together.
func New(store *coordstore.Store, livenessWindow time.Duration) *Registry {
	return &Registry{
		store:          store,
		livenessWindow: livenessWindow,
		now:            time.Now,
	}
}

// Register upserts the worker's status with a fresh TTL. Heartbeats go
// through here too; a registration is just the first heartbeat.
func (r *Registry) Register(ctx context.Context, info *models.WorkerInfo) error {
	info.LastHeartbeatAt = r.now().UTC()
	return r.store.RegisterWorker(ctx, info, r.livenessWindow)
}

// Deregister removes the worker immediately instead of waiting for TTL.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	return r.store.DeregisterWorker(ctx, workerID)
}

// Get returns one worker's status, or nil when unknown or expired.
func (r *Registry) Get(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	return r.store.GetWorker(ctx, workerID)
}

// ListLive returns every worker whose heartbeat falls within the liveness
// window. The TTL usually expires dead workers first, but a clock-skewed
// heartbeat timestamp must not resurrect one.
func (r *Registry) ListLive(ctx context.Context) ([]models.WorkerInfo, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	live := workers[:0]
	for _, w := range workers {
		if w.IsLive(now, r.livenessWindow) {
			live = append(live, w)
		}
	}
	return live, nil
}

// AvailableFor returns the live, available workers matching the required
// capabilities under the given policy. Under PolicyCovers the worker must
// advertise every required capability; under PolicyIntersects one shared
// capability suffices.
func (r *Registry) AvailableFor(ctx context.Context, required []models.Capability, policy config.SelectionPolicy) ([]models.WorkerInfo, error) {
	live, err := r.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	var matched []models.WorkerInfo
	for _, w := range live {
		if !w.Available {
			continue
		}
		if Matches(&w, required, policy) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

// Matches reports whether the worker satisfies the required capabilities
// under the policy.
func Matches(w *models.WorkerInfo, required []models.Capability, policy config.SelectionPolicy) bool {
	if len(required) == 0 {
		return true
	}
	if policy == config.PolicyCovers {
		return w.CoversAll(required)
	}
	return w.Intersects(required)
}

// PickRandom selects one worker uniformly at random, or nil for an empty
// slice. Uniform selection spreads load without tracking per-worker state.
func PickRandom(workers []models.WorkerInfo) *models.WorkerInfo {
	if len(workers) == 0 {
		return nil
	}
	return &workers[rand.Intn(len(workers))]
}
