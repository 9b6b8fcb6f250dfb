package toolproto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/drover/internal/approval"
	"github.com/basket/drover/internal/audit"
	"github.com/basket/drover/internal/policy"
)

// Result statuses.
const (
	StatusOK              = "ok"
	StatusPendingApproval = "pending_approval"
)

// Invocation is the ephemeral record of one gated tool call.
type Invocation struct {
	Tool              ToolName        `json:"tool_name"`
	Arguments         json.RawMessage `json:"arguments"`
	RequiresApproval  bool            `json:"requires_approval"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
}

// Result is the outcome of a gated call: either the remote result, or a
// parked approval id. pending_approval is an outcome, not an error.
type Result struct {
	Status            string          `json:"status"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
}

// Invoker wraps tool clients with the approval gate. Every call consults the
// tool's static risk predicate and the live policy before it may reach the
// remote backend.
type Invoker struct {
	clients   map[ToolName]*Client
	policy    policy.Checker
	approvals *approval.Registry
	logger    *slog.Logger
}

// NewInvoker builds an Invoker. pol and approvals may be nil in tests;
// a nil approvals registry denies risky calls outright since there is
// nowhere to park them.
func NewInvoker(clients map[ToolName]*Client, pol policy.Checker, approvals *approval.Registry, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{clients: clients, policy: pol, approvals: approvals, logger: logger}
}

// Invoke validates, gates, and (if clear) forwards a tool call. labels are
// the enclosing task's labels and riskClass its declared risk class; both
// feed the policy routing.
func (inv *Invoker) Invoke(ctx context.Context, name string, rawArgs json.RawMessage, labels []string, riskClass string) (Result, error) {
	tool, err := ParseToolName(name)
	if err != nil {
		return Result{}, err
	}
	args, err := ValidateArgs(tool, rawArgs)
	if err != nil {
		return Result{}, err
	}

	needsApproval, reason := inv.gate(tool, args, labels, riskClass)
	if needsApproval {
		return inv.park(ctx, tool, args, rawArgs, reason)
	}

	audit.Record("allow", string(tool), reason, summarize(args))
	client, ok := inv.clients[tool]
	if !ok {
		return Result{}, fmt.Errorf("%w: no backend for %q", ErrUnknownTool, tool)
	}
	// Backends connect lazily on first use; Connect is a no-op once up.
	if err := client.Connect(ctx); err != nil {
		return Result{}, fmt.Errorf("connect %s backend: %w", tool, err)
	}
	res, err := client.CallTool(ctx, string(tool), rawArgs)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Result: res}, nil
}

// gate decides whether the invocation must wait for a human. A static risk
// predicate match intercepts unless the task carries an auto-approve label;
// a high-risk class routes to approval even without a predicate match.
func (inv *Invoker) gate(tool ToolName, args map[string]any, labels []string, riskClass string) (bool, string) {
	risky, reason := RiskMatch(tool, args)
	if risky {
		if inv.policy != nil && inv.policy.AutoApprove(labels) {
			return false, "auto_approve_label"
		}
		return true, reason
	}
	if inv.policy != nil && inv.policy.RequiresHumanApproval(labels, riskClass) {
		return true, fmt.Sprintf("risk class %q", riskClass)
	}
	return false, "no_risk_match"
}

func (inv *Invoker) park(ctx context.Context, tool ToolName, args map[string]any, rawArgs json.RawMessage, reason string) (Result, error) {
	if inv.approvals == nil {
		audit.Record("deny", string(tool), reason, summarize(args))
		return Result{}, fmt.Errorf("toolproto: risky call with no approval registry: %s", reason)
	}
	id, err := inv.approvals.Create(ctx, string(tool), summarize(args), string(rawArgs))
	if err != nil {
		return Result{}, fmt.Errorf("park approval: %w", err)
	}
	audit.Record("pending", string(tool), reason, summarize(args))
	inv.logger.Info("tool call held for approval",
		"tool", tool, "approval_id", id, "reason", reason)
	return Result{Status: StatusPendingApproval, ApprovalRequestID: id}, nil
}

// summarize picks the most descriptive argument for audit subjects.
func summarize(args map[string]any) string {
	if cmd, ok := args["command"].(string); ok {
		return cmd
	}
	if action, ok := args["action"].(string); ok {
		return action
	}
	return ""
}
