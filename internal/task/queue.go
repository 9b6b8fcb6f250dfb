package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/forge"
	"github.com/basket/drover/internal/shared"
	"github.com/basket/drover/internal/store"
)

const (
	taskKeyPrefix = "task:"
	idemKeyPrefix = "idempotency:"
)

// Options bounds the worker pool and record lifetimes. Zero values take the
// defaults below.
type Options struct {
	WorkerCount    int           // default 4
	TaskTTL        time.Duration // default 1h
	IdempotencyTTL time.Duration // default 1h
	TaskTimeout    time.Duration // per-task deadline, default 5m
	BaseBranch     string        // default "main"
}

func (o *Options) applyDefaults() {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.TaskTTL <= 0 {
		o.TaskTTL = time.Hour
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = time.Hour
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 5 * time.Minute
	}
	if o.BaseBranch == "" {
		o.BaseBranch = "main"
	}
}

// Queue is the coordination front door: idempotent enqueue, task creation,
// status reads, and the worker pool behind them.
type Queue struct {
	store  store.Store
	forge  forge.Forge
	bus    *bus.Bus
	logger *slog.Logger
	opts   Options

	jobs chan string
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewQueue wires a Queue. b may be nil; f may be nil when only Enqueue and
// GetStatus are exercised.
func NewQueue(s store.Store, f forge.Forge, b *bus.Bus, logger *slog.Logger, opts Options) *Queue {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  s,
		forge:  f,
		bus:    b,
		logger: logger.With("component", "task"),
		opts:   opts,
		jobs:   make(chan string, opts.WorkerCount*4),
		now:    time.Now,
	}
}

// SetClock overrides the queue clock for tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Start launches the worker pool. Workers drain the job channel until ctx is
// cancelled; call Wait to block on their exit.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.WorkerCount; i++ {
		q.wg.Add(1)
		go func(n int) {
			defer q.wg.Done()
			workerID := fmt.Sprintf("worker-%d", n)
			for {
				select {
				case <-ctx.Done():
					return
				case taskID, ok := <-q.jobs:
					if !ok {
						return
					}
					q.process(shared.WithWorkerID(ctx, workerID), taskID)
				}
			}
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() { q.wg.Wait() }

// Enqueue registers a batch of steps under an idempotency key and returns one
// job id per step. A non-expired record for the same key returns the stored
// ids without minting new ones. When the store is unreachable the queue
// degrades to demo mode: placeholder ids, logged, never an error to the
// caller.
func (q *Queue) Enqueue(ctx context.Context, steps []string, idempotencyKey string) ([]string, error) {
	if idempotencyKey != "" {
		if ids, ok := q.lookupIdempotent(ctx, idempotencyKey); ok {
			q.logger.Info("enqueue deduplicated", "key", idempotencyKey, "jobs", len(ids))
			return ids, nil
		}
	}

	ids := make([]string, len(steps))
	for i := range steps {
		ids[i] = uuid.NewString()
	}

	if idempotencyKey == "" {
		return ids, nil
	}

	rec := IdempotencyRecord{
		Key:       idempotencyKey,
		JobIDs:    ids,
		CreatedAt: nowRFC3339(q.now),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency record: %w", err)
	}

	// SetNX narrows the check-then-act window: a concurrent enqueue with the
	// same key loses the race and adopts the winner's ids.
	won, err := q.store.SetNX(ctx, idemKeyPrefix+idempotencyKey, string(raw), q.opts.IdempotencyTTL)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return q.demoEnqueue(steps, idempotencyKey), nil
		}
		return nil, fmt.Errorf("write idempotency record: %w", err)
	}
	if !won {
		if stored, ok := q.lookupIdempotent(ctx, idempotencyKey); ok {
			return stored, nil
		}
	}
	return ids, nil
}

func (q *Queue) lookupIdempotent(ctx context.Context, key string) ([]string, bool) {
	raw, err := q.store.Get(ctx, idemKeyPrefix+key)
	if err != nil {
		return nil, false
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		q.logger.Warn("malformed idempotency record", "key", key, "error", err)
		return nil, false
	}
	return rec.JobIDs, true
}

// demoEnqueue hands back placeholder ids when the store is down so callers
// can keep exercising the pipeline.
func (q *Queue) demoEnqueue(steps []string, key string) []string {
	ids := make([]string, len(steps))
	for i := range steps {
		ids[i] = fmt.Sprintf("demo-job-%d", i)
	}
	q.logger.Warn("store unreachable, enqueue degraded to demo mode",
		"key", key, "jobs", len(ids))
	return ids
}

// CreateTask writes a queued Task record and hands it to the worker pool.
func (q *Queue) CreateTask(ctx context.Context, topic string) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", ErrEmptyTopic
	}

	id := uuid.NewString()
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	t := Task{
		ID:        id,
		Topic:     topic,
		AgentID:   shared.AgentID(ctx),
		Status:    StatusQueued,
		TraceID:   traceID,
		CreatedAt: nowRFC3339(q.now),
		UpdatedAt: nowRFC3339(q.now),
	}
	if err := q.writeTask(ctx, t); err != nil {
		return "", err
	}
	q.publishState(t, "")

	select {
	case q.jobs <- id:
	default:
		// Pool backlog full; the record is durable, a worker picks it up
		// when the channel drains.
		go func() { q.jobs <- id }()
	}
	q.logger.Info("task created", "task_id", id, "topic", topic, "trace_id", traceID)
	return id, nil
}

// GetStatus returns the task record, or ErrNotFound once the record expired
// or never existed.
func (q *Queue) GetStatus(ctx context.Context, taskID string) (Task, error) {
	raw, err := q.store.Get(ctx, taskKeyPrefix+taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("read task %s: %w", taskID, err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return t, nil
}

// Transition moves a task to newStatus, applying update to the record first.
// The state-machine guard runs before every write; a regression returns
// ErrInvalidTransition and leaves the record untouched.
func (q *Queue) Transition(ctx context.Context, taskID, newStatus string, update func(*Task)) error {
	t, err := q.GetStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, newStatus, taskID)
	}
	old := t.Status
	t.Status = newStatus
	if update != nil {
		update(&t)
	}
	t.UpdatedAt = nowRFC3339(q.now)
	if err := q.writeTask(ctx, t); err != nil {
		return err
	}
	q.publishState(t, old)
	return nil
}

func (q *Queue) writeTask(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := q.store.SetWithTTL(ctx, taskKeyPrefix+t.ID, string(raw), q.opts.TaskTTL); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

func (q *Queue) publishState(t Task, oldStatus string) {
	if q.bus == nil {
		return
	}
	ev := bus.TaskStateChangedEvent{
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		TraceID:   t.TraceID,
		OldStatus: oldStatus,
		NewStatus: t.Status,
	}
	q.bus.Publish(bus.TopicTaskStateChanged, ev)
	switch t.Status {
	case StatusDone:
		q.bus.Publish(bus.TopicTaskCompleted, ev)
	case StatusError:
		q.bus.Publish(bus.TopicTaskFailed, ev)
	}
}
