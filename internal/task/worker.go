package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/forge"
	"github.com/basket/drover/internal/shared"
)

// process executes one task end to end. Panics and errors are folded into
// the task's error record at this boundary; a single bad task never takes
// the pool down.
func (q *Queue) process(ctx context.Context, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker panic", "task_id", taskID, "panic", r)
			q.failTask(ctx, taskID, CodePanic, fmt.Sprintf("worker panic: %v", r), "")
		}
	}()

	t, err := q.GetStatus(ctx, taskID)
	if err != nil {
		q.logger.Error("task vanished before execution", "task_id", taskID, "error", err)
		return
	}
	ctx = shared.WithTraceID(shared.WithTaskID(ctx, taskID), t.TraceID)

	if err := q.Transition(ctx, taskID, StatusRunning, nil); err != nil {
		q.logger.Error("task could not start", "task_id", taskID, "error", err)
		return
	}
	q.logger.Info("task running", "task_id", taskID, "topic", t.Topic,
		"worker_id", shared.WorkerID(ctx), "trace_id", t.TraceID)

	runCtx, cancel := context.WithTimeout(ctx, q.opts.TaskTimeout)
	defer cancel()

	result, output, runErr := q.runForgeSequence(runCtx, t)
	if runErr != nil {
		code, msg := foldError(runErr)
		q.failTask(ctx, taskID, code, msg, output)
		return
	}

	if err := q.Transition(ctx, taskID, StatusDone, func(t *Task) {
		t.Result = &result
		t.Output = TruncateOutput(output)
	}); err != nil {
		q.logger.Error("task completion write failed", "task_id", taskID, "error", err)
		return
	}
	q.logger.Info("task done", "task_id", taskID, "pr_url", result.PRURL, "trace_id", t.TraceID)
}

// runForgeSequence lands the change: branch, commit, pull request, CI read.
// Red CI gets exactly one bounded retry (amend and re-read); a second red
// verdict is final.
func (q *Queue) runForgeSequence(ctx context.Context, t Task) (result TaskResult, output string, err error) {
	var log strings.Builder
	step := func(format string, args ...any) {
		fmt.Fprintf(&log, format+"\n", args...)
	}

	branch := "drover/task-" + shortID(t.ID)
	step("create branch %s from %s", branch, q.opts.BaseBranch)
	if err := q.forge.CreateBranch(ctx, branch, q.opts.BaseBranch); err != nil {
		step("create branch failed: %v", err)
		return TaskResult{}, log.String(), err
	}

	path := "tasks/" + shortID(t.ID) + ".md"
	content := []byte(fmt.Sprintf("# %s\n\ntask: %s\ntrace: %s\n", t.Topic, t.ID, t.TraceID))
	step("commit %s", path)
	sha, err := q.forge.CommitFile(ctx, branch, path, t.Topic, content)
	if err != nil {
		step("commit failed: %v", err)
		return TaskResult{}, log.String(), err
	}
	step("committed %s", sha)

	pr, err := q.forge.OpenPullRequest(ctx, forge.PullRequestInput{
		Title: t.Topic,
		Body:  fmt.Sprintf("Automated change for task %s (trace %s).", t.ID, t.TraceID),
		Head:  branch,
		Base:  q.opts.BaseBranch,
	})
	if err != nil {
		step("open pull request failed: %v", err)
		return TaskResult{}, log.String(), err
	}
	step("opened pull request #%d %s", pr.Number, pr.URL)

	state, err := q.readCI(ctx, pr.HeadSHA)
	if err != nil {
		step("read ci failed: %v", err)
		return TaskResult{}, log.String(), err
	}
	step("ci state %s", state)

	if state == forge.CIStateFailure {
		step("ci red, retrying once")
		if q.bus != nil {
			q.bus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{
				TaskID: t.ID, AgentID: t.AgentID, TraceID: t.TraceID, NewStatus: StatusRunning,
			})
		}
		sha, err = q.forge.CommitFile(ctx, branch, path, t.Topic+" (retry)", content)
		if err != nil {
			step("retry commit failed: %v", err)
			return TaskResult{}, log.String(), err
		}
		state, err = q.readCI(ctx, sha)
		if err != nil {
			step("retry ci read failed: %v", err)
			return TaskResult{}, log.String(), err
		}
		step("ci state after retry %s", state)
		if state == forge.CIStateFailure {
			return TaskResult{}, log.String(), errCIFailed
		}
	}

	result = TaskResult{
		PRURL:   pr.URL,
		Summary: fmt.Sprintf("opened pull request #%d for %q, ci %s", pr.Number, t.Topic, state),
	}
	return result, log.String(), nil
}

func (q *Queue) readCI(ctx context.Context, ref string) (string, error) {
	state, err := q.forge.CombinedStatus(ctx, ref)
	if err != nil {
		return "", err
	}
	return state, nil
}

var errCIFailed = errors.New("ci checks failed after retry")

func (q *Queue) failTask(ctx context.Context, taskID, code, msg, output string) {
	err := q.Transition(ctx, taskID, StatusError, func(t *Task) {
		t.Error = &TaskError{Code: code, Message: msg}
		t.Output = TruncateOutput(output)
	})
	if err != nil {
		q.logger.Error("task failure write failed", "task_id", taskID, "error", err)
	}
	q.logger.Warn("task failed", "task_id", taskID, "code", code, "error", msg)
}

// foldError maps a run failure onto the task error taxonomy.
func foldError(err error) (code, msg string) {
	switch {
	case errors.Is(err, errCIFailed):
		return CodeCIFailed, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, "task deadline exceeded"
	case errors.Is(err, forge.ErrAuth):
		return CodeForgeAuth, err.Error()
	case errors.Is(err, forge.ErrNotFound):
		return CodeForgeNotFound, err.Error()
	case errors.Is(err, forge.ErrRateLimited):
		return CodeForgeRateLimited, err.Error()
	default:
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return CodeTimeout, err.Error()
		}
		return CodeForgeUnavailable, err.Error()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
