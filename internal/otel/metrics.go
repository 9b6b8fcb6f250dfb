package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/drover/internal/bus"
)

// Metrics holds all drover metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TaskRetries      metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ApprovalsPending metric.Int64UpDownCounter
	PolicyDenies     metric.Int64Counter
	StaleWorkers     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("drover.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("drover.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("drover.task.completed",
		metric.WithDescription("Tasks reaching done"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("drover.task.failed",
		metric.WithDescription("Tasks reaching error"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("drover.task.retries",
		metric.WithDescription("CI-driven task retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("drover.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("drover.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("drover.approval.pending",
		metric.WithDescription("Approval requests awaiting a decision"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenies, err = meter.Int64Counter("drover.policy.denies",
		metric.WithDescription("Policy denials"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleWorkers, err = meter.Int64Counter("drover.worker.stale",
		metric.WithDescription("Stale workers detected by liveness scans"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveBus subscribes to the event bus and counts task, approval, and
// liveness events until ctx is cancelled. Run it as a goroutine at startup.
func (m *Metrics) ObserveBus(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTaskCompleted:
				m.TasksCompleted.Add(ctx, 1)
			case bus.TopicTaskFailed:
				m.TasksFailed.Add(ctx, 1)
			case bus.TopicTaskRetrying:
				m.TaskRetries.Add(ctx, 1)
			case bus.TopicApprovalCreated:
				m.ApprovalsPending.Add(ctx, 1)
			case bus.TopicApprovalDecided:
				m.ApprovalsPending.Add(ctx, -1)
			case bus.TopicWorkerStale:
				attrs := metric.WithAttributes(attribute.Bool("malformed",
					isMalformed(ev.Payload)))
				m.StaleWorkers.Add(ctx, 1, attrs)
			}
		}
	}
}

func isMalformed(payload any) bool {
	if ev, ok := payload.(bus.WorkerStaleEvent); ok {
		return ev.Malformed
	}
	return false
}
