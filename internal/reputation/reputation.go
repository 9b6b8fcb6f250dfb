// Package reputation maintains per-agent trust scores in the shared state
// store. Scores move on task outcomes and decay toward a neutral baseline
// with inactivity; the permission tier is always derived from the score,
// never mutated independently.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/shared"
	"github.com/basket/drover/internal/store"
)

const keyPrefix = "reputation:"

// Permission tiers derived from the score.
const (
	LevelHigh     = "high"
	LevelStandard = "standard"
	LevelLow      = "low"
)

// Score boundaries for tier derivation.
const (
	highThreshold = 130.0
	lowThreshold  = 90.0
	baseline      = 100.0
)

// Decay parameters: after a day of inactivity the score drifts toward the
// baseline at decayPerDay points per elapsed day.
const (
	decayAfter  = 24 * time.Hour
	decayPerDay = 2.0
)

// Score movement per task outcome. Failures cost more than successes earn,
// so a flaky agent trends down.
const (
	successDelta = 2.0
	failureDelta = -3.0
)

// ErrNotFound is returned for an unknown agent.
var ErrNotFound = errors.New("reputation: agent not found")

// Record is one agent's persisted reputation state.
type Record struct {
	AgentID         string    `json:"agent_id"`
	AgentType       string    `json:"agent_type"`
	ReputationScore float64   `json:"reputation_score"`
	PermissionLevel string    `json:"permission_level"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Statistics is an aggregate view over all agent records, computed from a
// single read-then-aggregate snapshot.
type Statistics struct {
	TotalAgents          int            `json:"total_agents"`
	AverageScore         float64        `json:"average_score"`
	HighReputationAgents int            `json:"high_reputation_agents"`
	LowReputationAgents  int            `json:"low_reputation_agents"`
	AgentsByLevel        map[string]int `json:"agents_by_level"`
}

// LevelForScore derives the permission tier from a score.
func LevelForScore(score float64) string {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score < lowThreshold:
		return LevelLow
	default:
		return LevelStandard
	}
}

// Engine reads and writes reputation records.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine over the given store.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger, now: time.Now}
}

// SetClock overrides the engine clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Register creates an agent record at the neutral baseline if absent.
func (e *Engine) Register(ctx context.Context, agentID, agentType string) (Record, error) {
	rec, err := e.Get(ctx, agentID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	rec = Record{
		AgentID:         agentID,
		AgentType:       agentType,
		ReputationScore: baseline,
		PermissionLevel: LevelForScore(baseline),
		LastUpdated:     e.now().UTC(),
	}
	if err := e.write(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the record for agentID.
func (e *Engine) Get(ctx context.Context, agentID string) (Record, error) {
	raw, err := e.store.Get(ctx, keyPrefix+agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get reputation %s: %w", agentID, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode reputation %s: %w", agentID, err)
	}
	return rec, nil
}

// GetScore returns just the score for agentID.
func (e *Engine) GetScore(ctx context.Context, agentID string) (float64, error) {
	rec, err := e.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return rec.ReputationScore, nil
}

// AdjustScore moves the score by delta (positive for a successful task
// outcome, negative for a failure) and re-derives the tier.
func (e *Engine) AdjustScore(ctx context.Context, agentID string, delta float64) (Record, error) {
	rec, err := e.Get(ctx, agentID)
	if err != nil {
		return Record{}, err
	}
	rec.ReputationScore += delta
	rec.PermissionLevel = LevelForScore(rec.ReputationScore)
	rec.LastUpdated = e.now().UTC()
	if err := e.write(ctx, rec); err != nil {
		return Record{}, err
	}
	e.logger.Debug("reputation adjusted",
		"agent_id", agentID, "delta", delta, "score", rec.ReputationScore, "level", rec.PermissionLevel)
	return rec, nil
}

// ApplyDecay drifts an inactive agent's score toward the baseline and
// reports whether a change was persisted. Calling it again immediately is a
// no-op: the decay window restarts from LastUpdated.
func (e *Engine) ApplyDecay(ctx context.Context, agentID string) (bool, error) {
	rec, err := e.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	idle := e.now().UTC().Sub(rec.LastUpdated)
	if idle < decayAfter || rec.ReputationScore == baseline {
		return false, nil
	}

	days := idle.Hours() / 24
	shift := decayPerDay * days
	next := rec.ReputationScore
	if next > baseline {
		next = math.Max(baseline, next-shift)
	} else {
		next = math.Min(baseline, next+shift)
	}
	if next == rec.ReputationScore {
		return false, nil
	}

	rec.ReputationScore = next
	rec.PermissionLevel = LevelForScore(next)
	rec.LastUpdated = e.now().UTC()
	if err := e.write(ctx, rec); err != nil {
		return false, err
	}
	e.logger.Debug("reputation decayed", "agent_id", agentID, "score", next)
	return true, nil
}

// UpdatePermissionLevel recomputes and persists the tier from the current
// score, returning the new level. The tier is never set directly.
func (e *Engine) UpdatePermissionLevel(ctx context.Context, agentID string) (string, error) {
	rec, err := e.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	level := LevelForScore(rec.ReputationScore)
	if level == rec.PermissionLevel {
		return level, nil
	}
	rec.PermissionLevel = level
	rec.LastUpdated = e.now().UTC()
	if err := e.write(ctx, rec); err != nil {
		return "", err
	}
	return level, nil
}

// DecaySweep applies decay to every known agent. Wired into the cron
// scheduler; returns how many records changed.
func (e *Engine) DecaySweep(ctx context.Context) (int, error) {
	keys, err := e.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("decay sweep: %w", err)
	}
	changed := 0
	for _, k := range keys {
		agentID := k[len(keyPrefix):]
		did, err := e.ApplyDecay(ctx, agentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired between scan and read
			}
			return changed, err
		}
		if did {
			changed++
		}
	}
	return changed, nil
}

// Statistics aggregates all agent records from one snapshot read.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	keys, err := e.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics: %w", err)
	}

	// Read everything first so the aggregate is computed over a single
	// consistent snapshot, not refreshed mid-computation.
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, err := e.store.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Statistics{}, fmt.Errorf("statistics: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			e.logger.Warn("skipping malformed reputation record", "key", k, "error", err)
			continue
		}
		records = append(records, rec)
	}

	stats := Statistics{AgentsByLevel: map[string]int{}}
	var sum float64
	for _, rec := range records {
		stats.TotalAgents++
		sum += rec.ReputationScore
		stats.AgentsByLevel[rec.PermissionLevel]++
		switch rec.PermissionLevel {
		case LevelHigh:
			stats.HighReputationAgents++
		case LevelLow:
			stats.LowReputationAgents++
		}
	}
	if stats.TotalAgents > 0 {
		stats.AverageScore = sum / float64(stats.TotalAgents)
	}
	return stats, nil
}

// ConsumeTaskOutcomes subscribes to task lifecycle events and moves the
// owning agent's score on every terminal outcome, registering unseen agents
// at the baseline first. Runs until ctx is cancelled.
func (e *Engine) ConsumeTaskOutcomes(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			var delta float64
			switch ev.Topic {
			case bus.TopicTaskCompleted:
				delta = successDelta
			case bus.TopicTaskFailed:
				delta = failureDelta
			default:
				continue
			}
			payload, ok := ev.Payload.(bus.TaskStateChangedEvent)
			if !ok {
				continue
			}
			agentID := payload.AgentID
			if agentID == "" {
				agentID = shared.DefaultAgentID
			}
			if _, err := e.Register(ctx, agentID, "worker"); err != nil {
				e.logger.Warn("reputation register failed", "agent_id", agentID, "error", err)
				continue
			}
			if _, err := e.AdjustScore(ctx, agentID, delta); err != nil {
				e.logger.Warn("reputation adjust failed", "agent_id", agentID, "error", err)
			}
		}
	}
}

func (e *Engine) write(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reputation: %w", err)
	}
	// Reputation records are long-lived; no TTL.
	if err := e.store.Set(ctx, keyPrefix+rec.AgentID, string(b)); err != nil {
		return fmt.Errorf("write reputation %s: %w", rec.AgentID, err)
	}
	return nil
}
