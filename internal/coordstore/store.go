// Package coordstore implements the ephemeral coordination layer on Redis:
// the work and result queues, the worker registry with TTL-based liveness,
// and a small shared key/value space. Everything here may vanish on a Redis
// restart; the durable record of a task lives in the durable store.
package coordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/internal/models"
)

const (
	workQueueKey   = "work_queue"
	resultQueueKey = "result_queue"
	activeSetKey   = "workers_active"
	workerKeyPfx   = "worker:"
	stateKeyPfx    = "state:"
)

// Store is the coordination store handle. Safe for concurrent use.
type Store struct {
	rdb redis.UniversalClient
}

// New wraps an existing Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// EnqueueWork appends a work item to the tail of the work queue.
func (s *Store) EnqueueWork(ctx context.Context, item *models.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}
	if err := s.rdb.RPush(ctx, workQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}
	return nil
}

// DequeueWork pops one work item from the head of the queue, blocking up to
// timeout. Returns (nil, nil) when the queue stays empty; the caller loops.
// A malformed item is reported as an error with the raw payload consumed,
// so poison messages never wedge the queue.
func (s *Store) DequeueWork(ctx context.Context, timeout time.Duration) (*models.WorkItem, error) {
	raw, err := s.blpop(ctx, workQueueKey, timeout)
	if err != nil || raw == "" {
		return nil, err
	}
	var item models.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("malformed work item dropped: %w", err)
	}
	return &item, nil
}

// EnqueueResult appends a subtask result to the tail of the result queue.
func (s *Store) EnqueueResult(ctx context.Context, result *models.SubTaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.rdb.RPush(ctx, resultQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue result: %w", err)
	}
	return nil
}

// DequeueResult pops one result from the head of the queue, blocking up to
// timeout. Returns (nil, nil) on timeout.
func (s *Store) DequeueResult(ctx context.Context, timeout time.Duration) (*models.SubTaskResult, error) {
	raw, err := s.blpop(ctx, resultQueueKey, timeout)
	if err != nil || raw == "" {
		return nil, err
	}
	var result models.SubTaskResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("malformed result dropped: %w", err)
	}
	return &result, nil
}

// WorkQueueDepth returns the current work queue length.
func (s *Store) WorkQueueDepth(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, workQueueKey).Result()
}

// ResultQueueDepth returns the current result queue length.
func (s *Store) ResultQueueDepth(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, resultQueueKey).Result()
}

func (s *Store) blpop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	vals, err := s.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue from %s: %w", key, err)
	}
	// BLPOP returns [key, value].
	if len(vals) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply length %d", len(vals))
	}
	return vals[1], nil
}

// SetState writes an opaque shared value with a TTL. Used by worker tools
// for scratch coordination, never by the core loops.
func (s *Store) SetState(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, stateKeyPfx+key, value, ttl).Err()
}

// GetState reads a shared value. Returns ("", nil) when absent or expired.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, stateKeyPfx+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// RegisterWorker upserts the worker's status hash with the given TTL and
// adds it to the active set. Heartbeats call this too; a full upsert is
// the refresh.
func (s *Store) RegisterWorker(ctx context.Context, info *models.WorkerInfo, ttl time.Duration) error {
	key := workerKeyPfx + info.ID
	fields := workerToFields(info)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, activeSetKey, info.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", info.ID, err)
	}
	return nil
}

// setWorkerFlags writes the availability fields only while the worker hash
// still exists. A plain HSET on an expired hash would recreate it without a
// TTL and the stale key would never be reclaimed.
var setWorkerFlags = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "available", ARGV[1], "current_subtask_id", ARGV[2])
return 1`)

// SetWorkerBusy marks the worker as executing the given subtask. The hash
// TTL is left untouched; only heartbeats extend liveness. A no-op when the
// hash already expired.
func (s *Store) SetWorkerBusy(ctx context.Context, workerID, subtaskID string) error {
	err := setWorkerFlags.Run(ctx, s.rdb, []string{workerKeyPfx + workerID}, "0", subtaskID).Err()
	if err != nil {
		return fmt.Errorf("failed to mark worker %s busy: %w", workerID, err)
	}
	return nil
}

// SetWorkerAvailable clears the busy flag after a result is processed. A
// no-op when the hash already expired.
func (s *Store) SetWorkerAvailable(ctx context.Context, workerID string) error {
	err := setWorkerFlags.Run(ctx, s.rdb, []string{workerKeyPfx + workerID}, "1", "").Err()
	if err != nil {
		return fmt.Errorf("failed to mark worker %s available: %w", workerID, err)
	}
	return nil
}

// GetWorker reads one worker's status. Returns (nil, nil) when the hash has
// expired or never existed.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, workerKeyPfx+workerID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker %s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return workerFromFields(fields)
}

// ListWorkers returns every worker in the active set whose hash still
// exists. Members whose hash expired are pruned from the set as a side
// effect, so the set converges to the live population.
func (s *Store) ListWorkers(ctx context.Context) ([]models.WorkerInfo, error) {
	ids, err := s.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}

	var workers []models.WorkerInfo
	var stale []any
	for _, id := range ids {
		info, err := s.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		if info == nil {
			stale = append(stale, id)
			continue
		}
		workers = append(workers, *info)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, activeSetKey, stale...).Err()
	}
	return workers, nil
}

// DeregisterWorker removes the worker's hash and set membership. Best
// effort on shutdown; the TTL covers crashed workers.
func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, workerKeyPfx+workerID)
	pipe.SRem(ctx, activeSetKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", workerID, err)
	}
	return nil
}

func workerToFields(info *models.WorkerInfo) map[string]any {
	available := "0"
	if info.Available {
		available = "1"
	}
	return map[string]any{
		"id":                 info.ID,
		"endpoint":           info.Endpoint,
		"capabilities":       strings.Join(models.CapabilityStrings(info.Capabilities), ","),
		"available":          available,
		"current_subtask_id": info.CurrentSubTaskID,
		"cpu_pct":            strconv.FormatFloat(info.CPUPct, 'f', -1, 64),
		"mem_pct":            strconv.FormatFloat(info.MemPct, 'f', -1, 64),
		"completed_count":    strconv.Itoa(info.CompletedCount),
		"last_heartbeat_at":  info.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
	}
}

func workerFromFields(fields map[string]string) (*models.WorkerInfo, error) {
	info := &models.WorkerInfo{
		ID:               fields["id"],
		Endpoint:         fields["endpoint"],
		Available:        fields["available"] == "1",
		CurrentSubTaskID: fields["current_subtask_id"],
	}
	if raw := fields["capabilities"]; raw != "" {
		caps, err := models.ParseCapabilities(strings.Split(raw, ","))
		if err != nil {
			return nil, fmt.Errorf("corrupt worker hash for %s: %w", info.ID, err)
		}
		info.Capabilities = caps
	}
	if raw := fields["cpu_pct"]; raw != "" {
		info.CPUPct, _ = strconv.ParseFloat(raw, 64)
	}
	if raw := fields["mem_pct"]; raw != "" {
		info.MemPct, _ = strconv.ParseFloat(raw, 64)
	}
	if raw := fields["completed_count"]; raw != "" {
		info.CompletedCount, _ = strconv.Atoi(raw)
	}
	if raw := fields["last_heartbeat_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt heartbeat timestamp for %s: %w", info.ID, err)
		}
		info.LastHeartbeatAt = ts
	}
	return info, nil
}
