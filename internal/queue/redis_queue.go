package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"blood-test-analyzer/internal/config"
)

// TaskStatus is the queue-level lifecycle of one unit of work. It is distinct
// from the analysis status tracked in Postgres.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Task types routed through the queue channel.
const (
	TypeSequential = "analysis:sequential"
	TypeParallel   = "analysis:parallel"
	TypeStage      = "analysis:stage"
)

// ErrAwaitTimeout reports that Await gave up before the task settled. It is
// deliberately distinct from task failure so orchestrators can tell an
// abandoned wait from a unit that ran and failed.
var ErrAwaitTimeout = errors.New("timed out awaiting task result")

// ErrTaskNotFound reports an unknown or expired task id.
var ErrTaskNotFound = errors.New("task not found")

// Task is the unit of work accepted by the queue.
type Task struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	AnalysisID string `json:"analysis_id"`
	FilePath   string `json:"file_path"`
	Query      string `json:"query"`
	Stage      string `json:"stage,omitempty"`
}

// Outcome is the settled (or in-flight) state of one task.
type Outcome struct {
	Status TaskStatus `json:"status"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Terminal reports whether the outcome admits no further updates.
func (o Outcome) Terminal() bool {
	return o.Status == TaskSucceeded || o.Status == TaskFailed
}

// RedisQueue coordinates the ready list, the in-flight lease set, and the
// per-task result backend in Redis. Execution is at-least-once: a lease that
// expires puts the task back on the ready list.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	taskPrefix    string
	visibilityTTL time.Duration
	resultTTL     time.Duration
	pollInterval  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newQueue(client, cfg)
}

// NewWithClient wires the queue onto an existing Redis client. Used by tests.
func NewWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	return newQueue(client, cfg)
}

func newQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	channel := cfg.QueueChannel
	if channel == "" {
		channel = "blood_analysis"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	resultTTL := cfg.ResultTTL
	if resultTTL == 0 {
		resultTTL = time.Hour
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:ready:%s", channel),
		inflightKey:   fmt.Sprintf("queue:inflight:%s", channel),
		taskPrefix:    "queue:task:",
		visibilityTTL: visibility,
		resultTTL:     resultTTL,
		pollInterval:  200 * time.Millisecond,
	}
}

func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix + id
}

// Ping verifies broker connectivity for health checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Submit records the task in the result backend and pushes it onto the ready
// list. The returned handle supports polling and blocking retrieval.
func (q *RedisQueue) Submit(ctx context.Context, t Task) (*Handle, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(t.ID),
		"payload", payload,
		"status", string(TaskPending),
		"enqueued_at", time.Now().UnixMilli(),
	)
	pipe.RPush(ctx, q.readyKey, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	return q.Handle(t.ID), nil
}

// Handle reattaches to a previously submitted task by id.
func (q *RedisQueue) Handle(id string) *Handle {
	return &Handle{queue: q, id: id}
}

// Dequeue pops one ready task and places it in-flight with a visibility
// deadline. ok is false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	payload, err := q.client.HGet(ctx, q.taskKey(id), "payload").Result()
	if errors.Is(err, redis.Nil) {
		// Metadata expired while the id sat in the queue; drop it.
		_ = q.Ack(ctx, id)
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("load task payload: %w", err)
	}

	var t Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		_ = q.Ack(ctx, id)
		return Task{}, false, fmt.Errorf("decode task payload: %w", err)
	}
	t.ID = id
	return t, true, nil
}

// MarkRunning flips a non-terminal task to running.
func (q *RedisQueue) MarkRunning(ctx context.Context, id string) error {
	return setStatusScript.Run(ctx, q.client,
		[]string{q.taskKey(id)},
		string(TaskRunning),
	).Err()
}

// Complete settles a task as succeeded. The first terminal write wins;
// duplicate or late completions report applied=false so the caller can log
// and move on.
func (q *RedisQueue) Complete(ctx context.Context, id string, result string) (bool, error) {
	return q.settle(ctx, id, TaskSucceeded, "result", result)
}

// Fail settles a task as failed with an error message. First terminal write wins.
func (q *RedisQueue) Fail(ctx context.Context, id string, message string) (bool, error) {
	return q.settle(ctx, id, TaskFailed, "error", message)
}

func (q *RedisQueue) settle(ctx context.Context, id string, status TaskStatus, field, value string) (bool, error) {
	res, err := settleScript.Run(ctx, q.client,
		[]string{q.taskKey(id)},
		string(status), field, value, q.resultTTL.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("settle task: %w", err)
	}
	applied, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from settle script: %T", res)
	}
	return applied == 1, nil
}

// Ack removes a task from in-flight tracking. The result backend entry stays
// until its TTL runs out.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.inflightKey, id).Err()
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing tasks that have
// not settled. Already-terminal tasks are simply dropped from in-flight.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	requeued := make([]string, 0, len(ids))
	for _, id := range ids {
		outcome, err := q.Status(ctx, id)
		if err == nil && outcome.Terminal() {
			_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued = append(requeued, id)
	}
	return requeued, nil
}

// Status reads the current outcome of a task without blocking.
func (q *RedisQueue) Status(ctx context.Context, id string) (Outcome, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("read task state: %w", err)
	}
	if len(fields) == 0 {
		return Outcome{}, ErrTaskNotFound
	}
	return Outcome{
		Status: TaskStatus(fields["status"]),
		Result: fields["result"],
		Error:  fields["error"],
	}, nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Handle is a queue-issued token for one submitted task.
type Handle struct {
	queue *RedisQueue
	id    string
}

// ID returns the task id the handle tracks.
func (h *Handle) ID() string {
	return h.id
}

// Status polls the task's current outcome without blocking.
func (h *Handle) Status(ctx context.Context) (Outcome, error) {
	return h.queue.Status(ctx, h.id)
}

// Await blocks the calling goroutine until the task settles or the timeout
// elapses, whichever is first. Timeout surfaces as ErrAwaitTimeout, never as
// a task failure; other handles are unaffected.
func (h *Handle) Await(ctx context.Context, timeout time.Duration) (Outcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(h.queue.pollInterval)
	defer tick.Stop()

	for {
		outcome, err := h.Status(ctx)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return Outcome{}, err
		}
		if err == nil && outcome.Terminal() {
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline.C:
			return Outcome{}, ErrAwaitTimeout
		case <-tick.C:
		}
	}
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)

// setStatusScript only moves a task that has not settled.
var setStatusScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'succeeded' or status == 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// settleScript applies the first terminal outcome and starts the result TTL.
var settleScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'succeeded' or status == 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)
