// Package liveness announces worker liveness through expiring heartbeat
// records and detects stale workers by scanning them. The store's key
// expiration is the failure detector of last resort: a dead process stops
// rewriting its key and the record vanishes on its own.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/drover/internal/store"
)

const keyPrefix = "heartbeat:"

// Worker states carried in the heartbeat payload.
const (
	StateRunning      = "running"
	StateShuttingDown = "shutting_down"
)

// Record is the heartbeat payload written under heartbeat:<worker_id>.
type Record struct {
	WorkerID      string `json:"worker_id"`
	State         string `json:"state"`
	LastHeartbeat string `json:"last_heartbeat"` // ISO-8601
	Timestamp     int64  `json:"timestamp"`      // unix seconds, same instant
}

// Beacon periodically rewrites one worker's heartbeat record.
type Beacon struct {
	store    store.Store
	workerID string
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state string
	wg    sync.WaitGroup
}

// NewBeacon creates a Beacon for workerID. interval defaults to 30s and ttl
// to 120s when zero.
func NewBeacon(s store.Store, workerID string, interval, ttl time.Duration, logger *slog.Logger) *Beacon {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{
		store:    s,
		workerID: workerID,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
		state:    StateRunning,
	}
}

// Start writes an immediate heartbeat and then rewrites it every interval
// until ctx is cancelled. On cancellation one final beat is written in the
// shutting_down state so the monitor can tell a clean drain from a crash.
func (b *Beacon) Start(ctx context.Context) {
	if err := b.beat(ctx); err != nil {
		b.logger.Warn("initial heartbeat failed", "worker_id", b.workerID, "error", err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.SetState(StateShuttingDown)
				// Detached context: ctx is already cancelled.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = b.beat(shutdownCtx)
				cancel()
				return
			case <-ticker.C:
				if err := b.beat(ctx); err != nil {
					b.logger.Warn("heartbeat write failed", "worker_id", b.workerID, "error", err)
				}
			}
		}
	}()
}

// Wait blocks until the beacon goroutine has exited.
func (b *Beacon) Wait() { b.wg.Wait() }

// SetState changes the state reported by subsequent beats.
func (b *Beacon) SetState(state string) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *Beacon) beat(ctx context.Context) error {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	now := time.Now().UTC()
	rec := Record{
		WorkerID:      b.workerID,
		State:         state,
		LastHeartbeat: now.Format(time.RFC3339),
		Timestamp:     now.Unix(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	if err := b.store.SetWithTTL(ctx, keyPrefix+b.workerID, string(raw), b.ttl); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}
