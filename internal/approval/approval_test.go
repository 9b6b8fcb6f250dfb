package approval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/drover/internal/approval"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/store"
)

func newRegistry(t *testing.T) (*approval.Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return approval.NewRegistry(s, bus.New(), nil, time.Hour), s
}

func TestCreateAndGet(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "shell", "exec", "rm -rf /data")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("empty approval id")
	}

	req, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if req.Status != approval.StatusPending {
		t.Fatalf("status = %q", req.Status)
	}
	if req.Tool != "shell" || req.Action != "exec" {
		t.Fatalf("request = %+v", req)
	}
}

func TestGetMissing(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRespond(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "deploy", "rollback", "prod")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, err := r.Respond(ctx, id, "approve")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if req.Status != approval.StatusApproved {
		t.Fatalf("status = %q", req.Status)
	}

	// Second decision is rejected.
	if _, err := r.Respond(ctx, id, "deny"); !errors.Is(err, approval.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestRespondUnknownDecision(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	id, _ := r.Create(ctx, "shell", "exec", "x")
	if _, err := r.Respond(ctx, id, "maybe"); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestExpireStale(t *testing.T) {
	s := store.NewMemoryStore()
	r := approval.NewRegistry(s, nil, nil, time.Hour)

	now := time.Now()
	r.SetClock(func() time.Time { return now })
	ctx := context.Background()

	oldID, err := r.Create(ctx, "shell", "exec", "old")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(2 * time.Hour)
	freshID, err := r.Create(ctx, "shell", "exec", "fresh")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := r.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}

	old, _ := r.Get(ctx, oldID)
	if old.Status != approval.StatusExpired {
		t.Fatalf("old status = %q", old.Status)
	}
	fresh, _ := r.Get(ctx, freshID)
	if fresh.Status != approval.StatusPending {
		t.Fatalf("fresh status = %q", fresh.Status)
	}
}

func TestListOrdersPendingFirst(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	first, _ := r.Create(ctx, "shell", "exec", "a")
	second, _ := r.Create(ctx, "browser", "navigate", "b")
	if _, err := r.Respond(ctx, first, "deny"); err != nil {
		t.Fatalf("respond: %v", err)
	}

	reqs, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("got %d requests", len(reqs))
	}
	if reqs[0].ID != second || reqs[0].Status != approval.StatusPending {
		t.Fatalf("pending request not first: %+v", reqs)
	}
}
