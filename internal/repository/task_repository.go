package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/mangaforge/mangaforge/internal/metrics"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

var (
	ErrNotFound   = errors.New("not-found")
	ErrNotOwner   = errors.New("not-owner")
	ErrNotRunning = errors.New("not-running")
)

// TaskSeed carries fields that must be part of the task record before it
// becomes claimable: reused stage results for partial regeneration and the
// trace context of the submitting request.
type TaskSeed struct {
	Stages      map[domain.Stage]*domain.StageResult
	TraceParent string
	TraceState  string
}

type TaskRepository interface {
	// Enqueue persists the task, applies the optional seed and pushes the id
	// onto the pending queue, in that order, so a claiming worker always sees
	// the seeded fields. A non-empty idempotencyKey makes repeat submissions
	// return the already enqueued task instead of creating a duplicate.
	Enqueue(ctx context.Context, req domain.GenerationRequest, projectID string, maxAttempts int, idempotencyKey string, seed *TaskSeed) (*domain.GenerationTask, bool, error)
	// Claim pops one pending task, marks it running and takes a lease. The
	// bool result reports whether anything was claimed.
	Claim(ctx context.Context, workerID string, leaseSeconds int, inspectLimit int) (*domain.GenerationTask, bool, error)
	Heartbeat(ctx context.Context, taskID string, workerID string, extendSeconds int) error
	// Update persists a progress snapshot of a running task. A non-empty
	// workerID must still own the task, or ErrNotOwner is returned.
	Update(ctx context.Context, task *domain.GenerationTask, workerID string) error
	// Complete, Fail and Cancelled finish the run and release the lease. A
	// non-empty workerID is checked against the stored owner so a worker
	// whose lease lapsed cannot clobber the task's new owner.
	Complete(ctx context.Context, task *domain.GenerationTask, workerID string) error
	Fail(ctx context.Context, task *domain.GenerationTask, workerID string, reason string) error
	// Cancelled marks a running task terminally cancelled; workers call it
	// after stopping at a stage boundary.
	Cancelled(ctx context.Context, task *domain.GenerationTask, workerID string) error
	// Retry releases the lease and re-queues the task after delay. It
	// reports whether the task went terminal instead because attempts ran out.
	Retry(ctx context.Context, taskID string, workerID string, delay time.Duration, reason string) (bool, error)
	Get(ctx context.Context, taskID string) (*domain.GenerationTask, error)
	// RequestCancel flags the task for cancellation. Pending tasks are
	// cancelled immediately; running tasks stop at the next stage boundary.
	RequestCancel(ctx context.Context, taskID string) (*domain.GenerationTask, error)
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	MoveDueDelayed(ctx context.Context, limit int) (int, error)
	QueueStats(ctx context.Context) (map[string]int64, error)
	// CompactExpired strips bulky stage payloads from terminal tasks whose
	// retention has lapsed, then fully removes tasks a cycle later.
	CompactExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type taskRedisRepo struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewTaskRepository(rdb *redis.Client, retention time.Duration) TaskRepository {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &taskRedisRepo{
		rdb:       rdb,
		retention: retention,
		now:       time.Now,
	}
}

const (
	keyTasksHash    = "mangaforge:tasks"     // HASH: field=id, value=JSON
	keyTTLIndex     = "mangaforge:tasks:ttl" // ZSET: member=id, score=expireAt epoch
	keyQueuePending = "mangaforge:q:pending" // LIST of task ids
	keyQueueInprog  = "mangaforge:q:inprog"  // SET of leased task ids
	keyQueueDelayed = "mangaforge:q:delayed" // ZSET: member=id, score=visibleAt epoch
)

func keyLease(id string) string      { return "mangaforge:lease:" + id }
func keyCancel(id string) string     { return "mangaforge:task:" + id + ":cancel" }
func keyIdempotency(k string) string { return "mangaforge:idempo:" + k }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalTask(jsonStr string) (*domain.GenerationTask, error) {
	var t domain.GenerationTask
	if err := json.Unmarshal([]byte(jsonStr), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRedisRepo) registerTTL(ctx context.Context, id string, expireAt time.Time) error {
	z := &redis.Z{Score: float64(expireAt.UTC().Unix()), Member: id}
	return r.rdb.ZAdd(ctx, keyTTLIndex, z).Err()
}

func (r *taskRedisRepo) bumpTTL(ctx context.Context, id string) {
	_ = r.registerTTL(ctx, id, r.now().Add(r.retention))
}

func (r *taskRedisRepo) Enqueue(ctx context.Context, req domain.GenerationRequest, projectID string, maxAttempts int, idempotencyKey string, seed *TaskSeed) (*domain.GenerationTask, bool, error) {
	if strings.TrimSpace(idempotencyKey) != "" {
		idKey := keyIdempotency(idempotencyKey)
		if existingID, err := r.rdb.Get(ctx, idKey).Result(); err == nil && existingID != "" {
			if task, err := r.Get(ctx, existingID); err == nil {
				return task, false, nil
			}
			_ = r.rdb.Del(ctx, idKey).Err()
		}
		id := uuid.NewString()
		ok, err := r.rdb.SetNX(ctx, idKey, id, r.retention).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis SETNX idempotency: %w", err)
		}
		if !ok {
			if existingID, err := r.rdb.Get(ctx, idKey).Result(); err == nil && existingID != "" {
				if task, err := r.Get(ctx, existingID); err == nil {
					return task, false, nil
				}
			}
			return nil, false, fmt.Errorf("idempotency conflict")
		}
		task, err := r.enqueueWithID(ctx, id, req, projectID, maxAttempts, seed)
		if err != nil {
			_ = r.rdb.Del(ctx, idKey).Err()
			return nil, false, err
		}
		return task, true, nil
	}
	task, err := r.enqueueWithID(ctx, uuid.NewString(), req, projectID, maxAttempts, seed)
	return task, err == nil, err
}

func (r *taskRedisRepo) enqueueWithID(ctx context.Context, id string, req domain.GenerationRequest, projectID string, maxAttempts int, seed *TaskSeed) (*domain.GenerationTask, error) {
	now := r.now()
	task := domain.GenerationTask{
		ID:                id,
		ProjectID:         projectID,
		EpisodeID:         req.EpisodeID,
		UserID:            req.UserID,
		Request:           req,
		Status:            domain.StatusPending,
		MaxAttempts:       maxAttempts,
		LastKnownLocation: domain.LocationPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if seed != nil {
		task.Stages = seed.Stages
		task.TraceParent = seed.TraceParent
		task.TraceState = seed.TraceState
	}
	if err := r.rdb.HSet(ctx, keyTasksHash, id, marshal(task)).Err(); err != nil {
		return nil, fmt.Errorf("redis HSET task: %w", err)
	}
	if err := r.registerTTL(ctx, id, now.Add(r.retention)); err != nil {
		return nil, fmt.Errorf("redis ZADD ttl-index: %w", err)
	}
	if err := r.rdb.LPush(ctx, keyQueuePending, id).Err(); err != nil {
		return nil, fmt.Errorf("redis LPUSH queue: %w", err)
	}
	metrics.TaskCreatedTotal.Inc()
	return &task, nil
}

// claimMoveScript atomically pops one ID from the pending list and tracks it
// in the in-progress set, skipping duplicate IDs already in-progress.
//
// KEYS[1] = pending list key
// KEYS[2] = in-progress set key
// ARGV[1] = max inner iterations (int)
var claimMoveScript = redis.NewScript(`
local src = KEYS[1]
local dst = KEYS[2]
local maxIter = tonumber(ARGV[1]) or 1
for i=1,maxIter do
  local id = redis.call("RPOP", src)
  if not id then
    return false
  end
  if redis.call("SADD", dst, id) == 1 then
    return id
  end
end
return false
`)

func (r *taskRedisRepo) Claim(ctx context.Context, workerID string, leaseSeconds int, inspectLimit int) (*domain.GenerationTask, bool, error) {
	if inspectLimit <= 0 {
		inspectLimit = 200
	}
	if _, err := r.requeueExpired(ctx, inspectLimit); err != nil {
		return nil, false, err
	}
	if _, err := r.MoveDueDelayed(ctx, inspectLimit); err != nil {
		return nil, false, err
	}

	for i := 0; i < inspectLimit; i++ {
		res, err := claimMoveScript.Run(ctx, r.rdb, []string{keyQueuePending, keyQueueInprog}, 1).Result()
		if err == redis.Nil {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("claim move script: %w", err)
		}
		id, ok := res.(string)
		if !ok || id == "" {
			return nil, false, nil
		}

		js, err := r.rdb.HGet(ctx, keyTasksHash, id).Result()
		if err == redis.Nil || js == "" {
			// Compacted away in the meantime; drop from inprog and retry.
			_ = r.rdb.SRem(ctx, keyQueueInprog, id).Err()
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("HGET task json: %w", err)
		}
		t, err := unmarshalTask(js)
		if err != nil {
			_ = r.rdb.SRem(ctx, keyQueueInprog, id).Err()
			continue
		}
		if t.Status.Terminal() {
			_ = r.rdb.SRem(ctx, keyQueueInprog, id).Err()
			continue
		}

		if err := r.rdb.SetEX(ctx, keyLease(id), workerID, time.Duration(leaseSeconds)*time.Second).Err(); err != nil {
			_ = r.rdb.SRem(ctx, keyQueueInprog, id).Err()
			_ = r.rdb.LPush(ctx, keyQueuePending, id).Err()
			return nil, false, fmt.Errorf("SETEX lease: %w", err)
		}

		now := r.now()
		t.Status = domain.StatusRunning
		t.WorkerID = workerID
		t.Attempts++
		t.LastKnownLocation = domain.LocationInProgress
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.UpdatedAt = now
		if err := r.rdb.HSet(ctx, keyTasksHash, t.ID, marshal(t)).Err(); err != nil {
			return nil, false, fmt.Errorf("HSET task running: %w", err)
		}
		r.bumpTTL(ctx, t.ID)

		metrics.TaskClaimedTotal.Inc()
		return t, true, nil
	}
	return nil, false, nil
}

func (r *taskRedisRepo) requeueExpired(ctx context.Context, inspectLimit int) (int, error) {
	ids, err := r.rdb.SRandMemberN(ctx, keyQueueInprog, int64(inspectLimit)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("SRANDMEMBER inprog: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.rdb.Pipeline()
	ttlCmds := make([]*redis.DurationCmd, 0, len(ids))
	for _, id := range ids {
		ttlCmds = append(ttlCmds, pipe.TTL(ctx, keyLease(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("pipeline TTL leases: %w", err)
	}

	moved := 0
	for i, id := range ids {
		ttl, err := ttlCmds[i].Result()
		if err != nil && err != redis.Nil {
			return moved, fmt.Errorf("TTL lease: %w", err)
		}
		if ttl <= 0 {
			metrics.LeaseExpiredTotal.Inc()
			if _, err := r.Retry(ctx, id, "", 0, "lease expired"); err != nil {
				// Fall back to plain requeue so the task is not stranded.
				_ = r.rdb.SRem(ctx, keyQueueInprog, id).Err()
				_ = r.rdb.LPush(ctx, keyQueuePending, id).Err()
			}
			moved++
		}
	}
	return moved, nil
}

func (r *taskRedisRepo) MoveDueDelayed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	maxTS := strconv.FormatInt(r.now().UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := r.rdb.ZRangeByScore(ctx, keyQueueDelayed, zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("ZRANGEBYSCORE delayed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.rdb.TxPipeline()
	moveIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		js, err := r.rdb.HGet(ctx, keyTasksHash, id).Result()
		if err == redis.Nil || js == "" {
			pipe.ZRem(ctx, keyQueueDelayed, id)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("HGET task json: %w", err)
		}
		if _, err := unmarshalTask(js); err != nil {
			pipe.ZRem(ctx, keyQueueDelayed, id)
			continue
		}
		moveIDs = append(moveIDs, id)
		pipe.ZRem(ctx, keyQueueDelayed, id)
		pipe.LPush(ctx, keyQueuePending, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	for _, id := range moveIDs {
		if js, err := r.rdb.HGet(ctx, keyTasksHash, id).Result(); err == nil && js != "" {
			if t, err2 := unmarshalTask(js); err2 == nil {
				t.Status = domain.StatusPending
				t.WorkerID = ""
				t.LastKnownLocation = domain.LocationPending
				t.UpdatedAt = r.now()
				_ = r.rdb.HSet(ctx, keyTasksHash, id, marshal(t)).Err()
			}
		}
		r.bumpTTL(ctx, id)
	}
	return len(moveIDs), nil
}

func (r *taskRedisRepo) Heartbeat(ctx context.Context, taskID string, workerID string, extendSeconds int) error {
	t, err := r.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.WorkerID != workerID {
		return ErrNotOwner
	}
	if err := r.rdb.Expire(ctx, keyLease(taskID), time.Duration(extendSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("lease expire: %w", err)
	}
	t.UpdatedAt = r.now()
	if err := r.rdb.HSet(ctx, keyTasksHash, t.ID, marshal(t)).Err(); err != nil {
		return fmt.Errorf("HSET task: %w", err)
	}
	r.bumpTTL(ctx, t.ID)
	return nil
}

// verifyOwner rejects writes from a worker that no longer holds the task.
// An empty workerID skips the check for call sites that verified ownership
// themselves.
func (r *taskRedisRepo) verifyOwner(ctx context.Context, taskID, workerID string) error {
	if workerID == "" {
		return nil
	}
	stored, err := r.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if stored.WorkerID != workerID {
		return ErrNotOwner
	}
	return nil
}

func (r *taskRedisRepo) Update(ctx context.Context, task *domain.GenerationTask, workerID string) error {
	if err := r.verifyOwner(ctx, task.ID, workerID); err != nil {
		return err
	}
	task.UpdatedAt = r.now()
	if err := r.rdb.HSet(ctx, keyTasksHash, task.ID, marshal(task)).Err(); err != nil {
		return fmt.Errorf("HSET task: %w", err)
	}
	r.bumpTTL(ctx, task.ID)
	return nil
}

func (r *taskRedisRepo) Complete(ctx context.Context, task *domain.GenerationTask, workerID string) error {
	return r.finish(ctx, task, workerID, domain.StatusCompleted, "")
}

func (r *taskRedisRepo) Fail(ctx context.Context, task *domain.GenerationTask, workerID string, reason string) error {
	return r.finish(ctx, task, workerID, domain.StatusFailed, reason)
}

func (r *taskRedisRepo) Cancelled(ctx context.Context, task *domain.GenerationTask, workerID string) error {
	return r.finish(ctx, task, workerID, domain.StatusCancelled, "")
}

func (r *taskRedisRepo) finish(ctx context.Context, task *domain.GenerationTask, workerID string, status domain.TaskStatus, reason string) error {
	if err := r.verifyOwner(ctx, task.ID, workerID); err != nil {
		return err
	}
	now := r.now()
	task.Status = status
	if reason != "" {
		task.Error = reason
	}
	task.WorkerID = ""
	task.LastKnownLocation = domain.LocationNone
	task.CompletedAt = &now
	task.UpdatedAt = now

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, keyQueueInprog, task.ID)
	pipe.Del(ctx, keyLease(task.ID))
	pipe.Del(ctx, keyCancel(task.ID))
	pipe.HSet(ctx, keyTasksHash, task.ID, marshal(task))
	pipe.ZAdd(ctx, keyTTLIndex, &redis.Z{Score: float64(now.Add(r.retention).UTC().Unix()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	metrics.TaskCompletedTotal.WithLabelValues(string(status)).Inc()
	if d := now.Sub(task.CreatedAt).Seconds(); d >= 0 {
		metrics.TaskProcessingLatencySeconds.WithLabelValues(string(status)).Observe(d)
	}
	return nil
}

func (r *taskRedisRepo) Retry(ctx context.Context, taskID string, workerID string, delay time.Duration, reason string) (bool, error) {
	t, err := r.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if workerID != "" && t.WorkerID != workerID {
		return false, ErrNotOwner
	}
	if t.Status != domain.StatusRunning {
		return false, ErrNotRunning
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}

	now := r.now()
	if t.Attempts >= t.MaxAttempts {
		if reason == "" {
			reason = "max attempts exhausted"
		}
		if err := r.Fail(ctx, t, "", reason); err != nil {
			return false, err
		}
		return true, nil
	}

	if delay < 0 {
		delay = 0
	}
	visibleAt := now.Add(delay).UTC().Unix()

	t.Status = domain.StatusPending
	t.WorkerID = ""
	t.Error = ""
	t.LastKnownLocation = domain.LocationDelayed
	t.UpdatedAt = now

	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, keyQueueInprog, taskID)
	pipe.Del(ctx, keyLease(taskID))
	pipe.ZAdd(ctx, keyQueueDelayed, &redis.Z{Score: float64(visibleAt), Member: taskID})
	pipe.HSet(ctx, keyTasksHash, t.ID, marshal(t))
	pipe.ZAdd(ctx, keyTTLIndex, &redis.Z{Score: float64(now.Add(r.retention).UTC().Unix()), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return false, nil
}

func (r *taskRedisRepo) Get(ctx context.Context, taskID string) (*domain.GenerationTask, error) {
	js, err := r.rdb.HGet(ctx, keyTasksHash, taskID).Result()
	if err == redis.Nil || js == "" {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("HGET task: %w", err)
	}
	t, err := unmarshalTask(js)
	if err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, nil
}

func (r *taskRedisRepo) RequestCancel(ctx context.Context, taskID string) (*domain.GenerationTask, error) {
	t, err := r.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	if t.Status == domain.StatusPending {
		now := r.now()
		t.Status = domain.StatusCancelled
		t.WorkerID = ""
		t.LastKnownLocation = domain.LocationNone
		t.CompletedAt = &now
		t.UpdatedAt = now

		pipe := r.rdb.TxPipeline()
		pipe.LRem(ctx, keyQueuePending, 0, taskID)
		pipe.ZRem(ctx, keyQueueDelayed, taskID)
		pipe.HSet(ctx, keyTasksHash, taskID, marshal(t))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		metrics.TaskCompletedTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()
		return t, nil
	}

	// Running: flag it and let the worker stop at the next stage boundary.
	if err := r.rdb.Set(ctx, keyCancel(taskID), "1", r.retention).Err(); err != nil {
		return nil, fmt.Errorf("SET cancel flag: %w", err)
	}
	return t, nil
}

func (r *taskRedisRepo) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyCancel(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *taskRedisRepo) QueueStats(ctx context.Context) (map[string]int64, error) {
	pending, err := r.rdb.LLen(ctx, keyQueuePending).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	inprog, err := r.rdb.SCard(ctx, keyQueueInprog).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	delayed, err := r.rdb.ZCard(ctx, keyQueueDelayed).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return map[string]int64{
		"pending":     pending,
		"in_progress": inprog,
		"delayed":     delayed,
	}, nil
}

func (r *taskRedisRepo) CompactExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	maxTS := strconv.FormatInt(before.UTC().Unix(), 10)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: maxTS, Offset: 0, Count: int64(limit)}

	ids, err := r.rdb.ZRangeByScore(ctx, keyTTLIndex, zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		js, err := r.rdb.HGet(ctx, keyTasksHash, id).Result()
		if err == redis.Nil || js == "" {
			_ = r.removeFully(ctx, id)
			processed++
			continue
		}
		if err != nil {
			return processed, err
		}
		t, err := unmarshalTask(js)
		if err != nil || t.Compacted || !t.Status.Terminal() {
			// Unreadable, already compacted past retention, or stuck
			// non-terminal: remove outright.
			if err2 := r.removeFully(ctx, id); err2 == nil {
				processed++
			}
			continue
		}

		// First pass keeps a slim record around for one more cycle.
		for _, sr := range t.Stages {
			sr.StripPayloads()
		}
		t.Compacted = true
		t.UpdatedAt = r.now()
		pipe := r.rdb.TxPipeline()
		pipe.HSet(ctx, keyTasksHash, id, marshal(t))
		pipe.ZAdd(ctx, keyTTLIndex, &redis.Z{Score: float64(r.now().Add(r.retention).UTC().Unix()), Member: id})
		if _, err := pipe.Exec(ctx); err == nil {
			processed++
		}
	}
	return processed, nil
}

func (r *taskRedisRepo) removeFully(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, keyTasksHash, id)
	pipe.ZRem(ctx, keyTTLIndex, id)
	pipe.Del(ctx, keyLease(id))
	pipe.Del(ctx, keyCancel(id))
	pipe.LRem(ctx, keyQueuePending, 0, id)
	pipe.SRem(ctx, keyQueueInprog, id)
	pipe.ZRem(ctx, keyQueueDelayed, id)
	_, err := pipe.Exec(ctx)
	return err
}
