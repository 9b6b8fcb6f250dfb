package reputation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/reputation"
	"github.com/basket/drover/internal/store"
)

func newEngine(t *testing.T) (*reputation.Engine, func(time.Duration)) {
	t.Helper()
	s := store.NewMemoryStore()
	e := reputation.NewEngine(s, nil)

	now := time.Now()
	e.SetClock(func() time.Time { return now })
	advance := func(d time.Duration) { now = now.Add(d) }
	return e, advance
}

func TestRegisterStartsAtBaseline(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	rec, err := e.Register(ctx, "agent-1", "coder")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.ReputationScore != 100 {
		t.Fatalf("score = %v", rec.ReputationScore)
	}
	if rec.PermissionLevel != reputation.LevelStandard {
		t.Fatalf("level = %q", rec.PermissionLevel)
	}

	// Re-registering is idempotent.
	again, err := e.Register(ctx, "agent-1", "coder")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if again.ReputationScore != rec.ReputationScore {
		t.Fatal("re-register changed the score")
	}
}

func TestGetScoreUnknownAgent(t *testing.T) {
	e, _ := newEngine(t)
	if _, err := e.GetScore(context.Background(), "ghost"); !errors.Is(err, reputation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLevelBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{130, reputation.LevelHigh},
		{131, reputation.LevelHigh},
		{129.9, reputation.LevelStandard},
		{90, reputation.LevelStandard},
		{89.9, reputation.LevelLow},
		{0, reputation.LevelLow},
	}
	for _, tc := range cases {
		if got := reputation.LevelForScore(tc.score); got != tc.want {
			t.Errorf("LevelForScore(%v) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestAdjustScoreDerivesTier(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	if _, err := e.Register(ctx, "agent-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec, err := e.AdjustScore(ctx, "agent-1", 35)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rec.ReputationScore != 135 || rec.PermissionLevel != reputation.LevelHigh {
		t.Fatalf("record = %+v", rec)
	}

	rec, err = e.AdjustScore(ctx, "agent-1", -50)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rec.ReputationScore != 85 || rec.PermissionLevel != reputation.LevelLow {
		t.Fatalf("record = %+v", rec)
	}
}

func TestApplyDecay_IdempotentWithinWindow(t *testing.T) {
	e, advance := newEngine(t)
	ctx := context.Background()
	if _, err := e.Register(ctx, "agent-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.AdjustScore(ctx, "agent-1", 40); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	advance(3 * 24 * time.Hour)

	changed, err := e.ApplyDecay(ctx, "agent-1")
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if !changed {
		t.Fatal("first decay after inactivity must change the score")
	}

	// Immediate second call: LastUpdated was just refreshed, so no change.
	changed, err = e.ApplyDecay(ctx, "agent-1")
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if changed {
		t.Fatal("second immediate decay must be a no-op")
	}
}

func TestApplyDecay_MovesTowardBaselineFromBothSides(t *testing.T) {
	e, advance := newEngine(t)
	ctx := context.Background()

	if _, err := e.Register(ctx, "hi", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.AdjustScore(ctx, "hi", 40); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if _, err := e.Register(ctx, "lo", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.AdjustScore(ctx, "lo", -40); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	advance(2 * 24 * time.Hour)

	if _, err := e.ApplyDecay(ctx, "hi"); err != nil {
		t.Fatalf("decay hi: %v", err)
	}
	if _, err := e.ApplyDecay(ctx, "lo"); err != nil {
		t.Fatalf("decay lo: %v", err)
	}

	hi, _ := e.GetScore(ctx, "hi")
	if hi >= 140 || hi < 100 {
		t.Fatalf("high score did not drift down toward baseline: %v", hi)
	}
	lo, _ := e.GetScore(ctx, "lo")
	if lo <= 60 || lo > 100 {
		t.Fatalf("low score did not drift up toward baseline: %v", lo)
	}
}

func TestApplyDecay_AtBaselineIsNoOp(t *testing.T) {
	e, advance := newEngine(t)
	ctx := context.Background()
	if _, err := e.Register(ctx, "agent-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	advance(10 * 24 * time.Hour)
	changed, err := e.ApplyDecay(ctx, "agent-1")
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if changed {
		t.Fatal("decay at baseline must not persist a change")
	}
}

func TestStatistics(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	seed := map[string]float64{"a": 40, "b": 0, "c": -20}
	for id, delta := range seed {
		if _, err := e.Register(ctx, id, "coder"); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		if delta != 0 {
			if _, err := e.AdjustScore(ctx, id, delta); err != nil {
				t.Fatalf("adjust %s: %v", id, err)
			}
		}
	}

	stats, err := e.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalAgents != 3 {
		t.Fatalf("total = %d", stats.TotalAgents)
	}
	if stats.HighReputationAgents != 1 || stats.LowReputationAgents != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	wantAvg := (140.0 + 100.0 + 80.0) / 3.0
	if stats.AverageScore != wantAvg {
		t.Fatalf("avg = %v, want %v", stats.AverageScore, wantAvg)
	}
	if stats.AgentsByLevel[reputation.LevelStandard] != 1 {
		t.Fatalf("by level = %v", stats.AgentsByLevel)
	}
}

func TestConsumeTaskOutcomes_MovesScoreOnTerminalEvents(t *testing.T) {
	e, _ := newEngine(t)
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.ConsumeTaskOutcomes(ctx, b)

	waitScore := func(agentID string, want func(float64) bool) float64 {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			score, err := e.GetScore(context.Background(), agentID)
			if err == nil && want(score) {
				return score
			}
			select {
			case <-deadline:
				t.Fatalf("score for %s never moved, last = %v (%v)", agentID, score, err)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	// A completion registers the unseen agent and rewards it.
	b.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
		TaskID: "t1", AgentID: "agent-1", NewStatus: "done",
	})
	up := waitScore("agent-1", func(s float64) bool { return s > 100 })

	// A failure costs more than a success earns.
	b.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
		TaskID: "t2", AgentID: "agent-1", NewStatus: "error",
	})
	down := waitScore("agent-1", func(s float64) bool { return s < up })
	if 100-down <= up-100 {
		t.Fatalf("failure penalty %v not larger than success reward %v", 100-down, up-100)
	}

	// Non-terminal transitions leave scores alone and events without an
	// agent id fall back to the default agent.
	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: "t3", AgentID: "agent-2", NewStatus: "running",
	})
	b.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
		TaskID: "t4", NewStatus: "error",
	})
	waitScore("default", func(s float64) bool { return s < 100 })
	if _, err := e.GetScore(context.Background(), "agent-2"); !errors.Is(err, reputation.ErrNotFound) {
		t.Fatalf("non-terminal event created a record: %v", err)
	}
}

func TestDecaySweep(t *testing.T) {
	e, advance := newEngine(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := e.Register(ctx, id, "coder"); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if _, err := e.AdjustScore(ctx, "a", 30); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	advance(2 * 24 * time.Hour)

	changed, err := e.DecaySweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// Only "a" is away from baseline.
	if changed != 1 {
		t.Fatalf("changed = %d, want 1", changed)
	}
}
