package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/store"
)

// StaleWorker is one monitor finding: a worker past the staleness threshold
// or a heartbeat payload that failed to parse. Malformed entries are
// reported, never silently dropped.
type StaleWorker struct {
	WorkerID   string  `json:"worker_id"`
	AgeSeconds float64 `json:"age_seconds"`
	Malformed  bool    `json:"malformed,omitempty"`
}

// Monitor is the read-side staleness detector. It performs no corrective
// action; findings go to the caller and onto the bus for alerting.
type Monitor struct {
	store     store.Store
	bus       *bus.Bus
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor creates a Monitor. threshold defaults to 120s when zero;
// b may be nil.
func NewMonitor(s store.Store, b *bus.Bus, threshold time.Duration, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: s, bus: b, threshold: threshold, logger: logger, now: time.Now}
}

// SetClock overrides the monitor clock for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Scan enumerates heartbeat records and reports every worker whose last
// heartbeat exceeds the staleness threshold, plus any record whose payload
// cannot be parsed.
func (m *Monitor) Scan(ctx context.Context) ([]StaleWorker, error) {
	keys, err := m.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}

	var findings []StaleWorker
	wallNow := m.now().UTC()
	for _, key := range keys {
		workerID := strings.TrimPrefix(key, keyPrefix)
		raw, err := m.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired between scan and read; the TTL did its job
		}
		if err != nil {
			return nil, fmt.Errorf("read heartbeat %s: %w", key, err)
		}

		last, perr := parseLastHeartbeat(raw)
		if perr != nil {
			m.logger.Warn("malformed heartbeat payload", "worker_id", workerID, "error", perr)
			findings = append(findings, StaleWorker{WorkerID: workerID, Malformed: true})
			continue
		}

		age := wallNow.Sub(last)
		if age > m.threshold {
			findings = append(findings, StaleWorker{
				WorkerID:   workerID,
				AgeSeconds: age.Seconds(),
			})
		}
	}

	for _, f := range findings {
		m.logger.Warn("stale worker detected",
			"worker_id", f.WorkerID, "age_seconds", f.AgeSeconds, "malformed", f.Malformed)
		if m.bus != nil {
			m.bus.Publish(bus.TopicWorkerStale, bus.WorkerStaleEvent{
				WorkerID:   f.WorkerID,
				AgeSeconds: f.AgeSeconds,
				Malformed:  f.Malformed,
			})
		}
	}
	return findings, nil
}

func parseLastHeartbeat(raw string) (time.Time, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return time.Time{}, fmt.Errorf("decode: %w", err)
	}
	if rec.LastHeartbeat == "" {
		return time.Time{}, errors.New("missing last_heartbeat")
	}
	t, err := time.Parse(time.RFC3339, rec.LastHeartbeat)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_heartbeat: %w", err)
	}
	return t, nil
}
