// Package approval holds human-in-the-loop approval requests in the shared
// state store. A risky tool invocation parks here as pending; a human
// decision (or the deny-on-timeout sweep) resolves it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/store"
	"github.com/google/uuid"
)

const keyPrefix = "approval:"

// Approval request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// ErrNotFound is returned when no approval request exists under an id.
var ErrNotFound = errors.New("approval: request not found")

// ErrAlreadyDecided is returned when responding to a non-pending request.
var ErrAlreadyDecided = errors.New("approval: request already decided")

// Request is one parked tool invocation awaiting a decision.
type Request struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at,omitzero"`
}

// Registry reads and writes approval requests.
type Registry struct {
	store   store.Store
	bus     *bus.Bus
	logger  *slog.Logger
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry creates a Registry. timeout is how long a request may stay
// pending before the sweep denies it; b may be nil.
func NewRegistry(s store.Store, b *bus.Bus, logger *slog.Logger, timeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Registry{
		store:   s,
		bus:     b,
		logger:  logger,
		timeout: timeout,
		// Records outlive the pending window so callers can observe the
		// decision before the key ages out.
		ttl: timeout * 24,
		now: time.Now,
	}
}

// SetClock overrides the registry clock for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Create parks a new pending request and returns its id.
func (r *Registry) Create(ctx context.Context, tool, action, details string) (string, error) {
	req := Request{
		ID:        uuid.NewString(),
		Tool:      tool,
		Action:    action,
		Details:   details,
		Status:    StatusPending,
		CreatedAt: r.now().UTC(),
	}
	if err := r.write(ctx, req); err != nil {
		return "", err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicApprovalCreated, bus.ApprovalEvent{ApprovalID: req.ID, Tool: tool, Status: StatusPending})
	}
	r.logger.Info("approval request created", "approval_id", req.ID, "tool", tool, "action", action)
	return req.ID, nil
}

// Get returns the request under id.
func (r *Registry) Get(ctx context.Context, id string) (Request, error) {
	raw, err := r.store.Get(ctx, keyPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("get approval %s: %w", id, err)
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Request{}, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return req, nil
}

// Respond records a human decision. decision is "approve" or "deny".
func (r *Registry) Respond(ctx context.Context, id, decision string) (Request, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return req, ErrAlreadyDecided
	}
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved", "allow":
		req.Status = StatusApproved
	case "deny", "denied", "reject":
		req.Status = StatusDenied
	default:
		return req, fmt.Errorf("approval: unknown decision %q", decision)
	}
	req.DecidedAt = r.now().UTC()
	if err := r.write(ctx, req); err != nil {
		return Request{}, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicApprovalDecided, bus.ApprovalEvent{ApprovalID: req.ID, Tool: req.Tool, Status: req.Status})
	}
	r.logger.Info("approval request decided", "approval_id", req.ID, "status", req.Status)
	return req, nil
}

// List returns all live approval requests, pending first, newest first
// within each group.
func (r *Registry) List(ctx context.Context) ([]Request, error) {
	keys, err := r.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	var out []Request
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			r.logger.Warn("skipping malformed approval record", "key", k, "error", err)
			continue
		}
		out = append(out, req)
	}
	sortRequests(out)
	return out, nil
}

// ExpireStale denies every pending request older than the timeout. Returns
// the number of requests expired. Wired into the cron scheduler.
func (r *Registry) ExpireStale(ctx context.Context) (int, error) {
	reqs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().UTC().Add(-r.timeout)
	expired := 0
	for _, req := range reqs {
		if req.Status != StatusPending || req.CreatedAt.After(cutoff) {
			continue
		}
		req.Status = StatusExpired
		req.DecidedAt = r.now().UTC()
		if err := r.write(ctx, req); err != nil {
			return expired, err
		}
		if r.bus != nil {
			r.bus.Publish(bus.TopicApprovalDecided, bus.ApprovalEvent{ApprovalID: req.ID, Tool: req.Tool, Status: StatusExpired})
		}
		r.logger.Warn("approval request expired without decision", "approval_id", req.ID, "tool", req.Tool)
		expired++
	}
	return expired, nil
}

func (r *Registry) write(ctx context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	if err := r.store.SetWithTTL(ctx, keyPrefix+req.ID, string(b), r.ttl); err != nil {
		return fmt.Errorf("write approval %s: %w", req.ID, err)
	}
	return nil
}

func sortRequests(reqs []Request) {
	// Pending first, then newest first.
	rank := func(s string) int {
		if s == StatusPending {
			return 0
		}
		return 1
	}
	slices.SortStableFunc(reqs, func(a, b Request) int {
		if d := rank(a.Status) - rank(b.Status); d != 0 {
			return d
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
