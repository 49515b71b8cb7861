package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/flowsync/action"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/filter"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// execute runs one workflow snapshot for one event. It returns nil when an
// execution for the pair already exists.
func (e *FlowEngine) execute(ctx context.Context, wf model.Workflow, event *model.Event) (*model.WorkflowExecution, error) {
	exec := &model.WorkflowExecution{
		Id:              uuid.NewString(),
		WorkflowId:      wf.Id,
		WorkflowVersion: wf.Version,
		EventId:         event.Id,
		Status:          model.RUNNING,
		StartedAt:       e.now(),
	}
	// registered first so a cancel arriving right after Create is seen here
	e.register(exec.Id)
	defer e.unregister(exec.Id)
	created, err := e.executions.Create(ctx, exec)
	if err != nil {
		return nil, errors.Wrap(err, "create execution")
	}
	if !created {
		logger.Info("execution already exists for event", zap.String("workflowId", wf.Id), zap.String("eventId", event.Id))
		return nil, nil
	}
	logger.Info("execution started", zap.String("executionId", exec.Id), zap.String("workflowId", wf.Id), zap.Int("version", wf.Version), zap.String("eventId", event.Id))

	res := filter.Evaluate(event.Fields, wf.Filters)
	if len(res.TypeErrors) > 0 {
		for _, te := range res.TypeErrors {
			exec.FilterErrors = append(exec.FilterErrors, te.Error())
		}
		exec.Severity = model.MaxSeverity(exec.Severity, model.SEVERITY_LOW)
		logger.Info("filter type errors", zap.String("severity", string(model.SEVERITY_LOW)), zap.String("executionId", exec.Id), zap.Strings("errors", exec.FilterErrors))
	}
	if !res.Pass {
		exec.FilteredOut = true
		return e.finish(ctx, exec, model.SUCCEEDED)
	}

	outputs := make(map[string]any)
	scope := map[string]any{"event": event.Fields.Native(), "actions": outputs}
	failed := false
	for i, def := range wf.Actions {
		ctrl := e.control(exec.Id)
		exec.LongRunning = exec.LongRunning || ctrl.longRunning
		if !failed && !exec.Cancelled && (ctrl.cancelled || ctx.Err() != nil) {
			exec.Cancelled = true
			exec.Error = "cancelled"
			logger.Info("execution cancelled", zap.String("executionId", exec.Id), zap.String("nextAction", def.Name))
		}
		if failed || exec.Cancelled {
			exec.AppendResult(skipped(i, def, e.now()))
			continue
		}

		result := e.runAction(ctx, exec, i, def, scope)
		if err := exec.AppendResult(result); err != nil {
			return exec, err
		}
		outputs[def.Name] = map[string]any{"output": result.Output, "status": string(result.Status)}
		if result.Status == model.RESULT_FAILED {
			if e.onActionFailure(ctx, wf, exec, def, result) {
				failed = true
				exec.Error = fmt.Sprintf("action %s failed: %s", def.Name, result.Error)
			}
		} else if def.Type.NeedsTarget() {
			e.resetFailures(wf.Id, def.Target)
		}
		if err := e.executions.Update(ctx, exec); err != nil {
			if errors.Is(err, persistence.ErrTerminalExecution) {
				return e.abandon(ctx, exec)
			}
			logger.Error("error in saving execution progress", zap.String("executionId", exec.Id), zap.Error(err))
		}
	}

	status := model.SUCCEEDED
	switch {
	case exec.Cancelled:
		status = model.FAILED
	case failed:
		status = wf.ErrorPolicy.FailureStatus()
	}
	return e.finish(ctx, exec, status)
}

// abandon stops an execution whose stored record was finished elsewhere,
// typically by a cancel that found no live owner. The stored record wins.
func (e *FlowEngine) abandon(ctx context.Context, exec *model.WorkflowExecution) (*model.WorkflowExecution, error) {
	logger.Warn("execution finished elsewhere, abandoning remaining actions", zap.String("executionId", exec.Id),
		zap.Int("completedActions", len(exec.Results)))
	stored, err := e.executions.Get(context.WithoutCancel(ctx), exec.Id)
	if err != nil {
		return exec, errors.Wrapf(err, "load finished execution %s", exec.Id)
	}
	return stored, nil
}

func skipped(index int, def model.ActionDef, at time.Time) model.ActionResult {
	return model.ActionResult{
		Name:      def.Name,
		Index:     index,
		Type:      def.Type,
		Target:    def.Target,
		Status:    model.RESULT_SKIPPED,
		StartedAt: at,
		EndedAt:   at,
	}
}

func (e *FlowEngine) runAction(ctx context.Context, exec *model.WorkflowExecution, index int, def model.ActionDef, scope map[string]any) model.ActionResult {
	params, err := util.ResolveParams(scope, def.Params)
	if err != nil {
		now := e.now()
		logger.Warn("action parameters could not be resolved", zap.String("executionId", exec.Id), zap.String("action", def.Name), zap.Error(err))
		return model.ActionResult{
			Name:      def.Name,
			Index:     index,
			Type:      def.Type,
			Target:    def.Target,
			Status:    model.RESULT_FAILED,
			Error:     model.ActionTerminalError{Action: def.Name, Err: err}.Error(),
			ErrorKind: model.ERROR_KIND_TERMINAL,
			StartedAt: now,
			EndedAt:   now,
		}
	}
	req := action.Request{
		ExecutionId: exec.Id,
		WorkflowId:  exec.WorkflowId,
		Index:       index,
		Def:         def,
		Params:      params,
	}
	if def.Fallback != nil {
		fbParams, err := util.ResolveParams(scope, def.Fallback.Params)
		if err != nil {
			logger.Warn("fallback parameters could not be resolved, fallback disabled", zap.String("executionId", exec.Id), zap.String("action", def.Name), zap.Error(err))
			req.Def.Fallback = nil
		} else {
			req.FallbackParams = fbParams
		}
	}
	return e.executor.Execute(ctx, req)
}

// onActionFailure classifies a failed action and reports whether it stops
// the execution.
func (e *FlowEngine) onActionFailure(ctx context.Context, wf model.Workflow, exec *model.WorkflowExecution, def model.ActionDef, result model.ActionResult) bool {
	if result.ErrorKind == model.ERROR_KIND_RETRYABLE && def.Type.NeedsTarget() {
		e.countUnreachable(ctx, wf, exec, def)
	}
	if def.ContinueOnFailure {
		exec.Severity = model.MaxSeverity(exec.Severity, model.SEVERITY_MEDIUM)
		logger.Info("optional action failed, continuing", zap.String("severity", string(model.SEVERITY_MEDIUM)), zap.String("executionId", exec.Id),
			zap.String("action", def.Name), zap.String("error", result.Error))
		return false
	}
	exec.Severity = model.MaxSeverity(exec.Severity, model.SEVERITY_HIGH)
	logger.Error("required action failed", zap.String("severity", string(model.SEVERITY_HIGH)), zap.String("executionId", exec.Id),
		zap.String("workflowId", wf.Id), zap.String("action", def.Name), zap.Int("attempts", result.Attempts), zap.String("error", result.Error))
	notify.Send(ctx, e.notifier, notify.Alert{
		Severity:    model.SEVERITY_HIGH,
		Component:   COMPONENT,
		WorkflowId:  wf.Id,
		ExecutionId: exec.Id,
		Message:     fmt.Sprintf("action %s failed after %d attempts: %s", def.Name, result.Attempts, result.Error),
	})
	return true
}

func (e *FlowEngine) countUnreachable(ctx context.Context, wf model.Workflow, exec *model.WorkflowExecution, def model.ActionDef) {
	threshold := wf.ErrorPolicy.CriticalFailureThreshold
	if threshold <= 0 {
		return
	}
	key := failureKey(wf.Id, def.Target)
	e.mu.Lock()
	e.failures[key]++
	count := e.failures[key]
	if count >= threshold {
		delete(e.failures, key)
	}
	e.mu.Unlock()
	if count < threshold {
		return
	}
	exec.Severity = model.SEVERITY_CRITICAL
	pause := wf.ErrorPolicy.ShouldPauseOnCritical()
	logger.Error("target unreachable", zap.String("severity", string(model.SEVERITY_CRITICAL)), zap.String("workflowId", wf.Id),
		zap.String("target", def.Target), zap.Int("consecutiveFailures", count), zap.Bool("pause", pause))
	notify.Send(ctx, e.notifier, notify.Alert{
		Severity:    model.SEVERITY_CRITICAL,
		Component:   COMPONENT,
		WorkflowId:  wf.Id,
		ExecutionId: exec.Id,
		Message:     fmt.Sprintf("target %s unreachable for %d consecutive executions", def.Target, count),
	})
	if !pause {
		return
	}
	if _, err := e.metadata.SetEnabled(context.WithoutCancel(ctx), wf.Id, false); err != nil {
		logger.Error("error in disabling workflow", zap.String("workflowId", wf.Id), zap.Error(err))
		return
	}
	logger.Warn("workflow disabled pending manual re-enable", zap.String("workflowId", wf.Id))
}

func failureKey(workflowId, target string) string {
	return workflowId + "/" + target
}

func (e *FlowEngine) resetFailures(workflowId, target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, failureKey(workflowId, target))
}

func (e *FlowEngine) finish(ctx context.Context, exec *model.WorkflowExecution, status model.ExecutionStatus) (*model.WorkflowExecution, error) {
	exec.LongRunning = exec.LongRunning || e.control(exec.Id).longRunning
	if err := exec.Finish(status, e.now()); err != nil {
		return exec, err
	}
	if err := e.executions.Update(context.WithoutCancel(ctx), exec); err != nil {
		if errors.Is(err, persistence.ErrTerminalExecution) {
			return e.abandon(ctx, exec)
		}
		return exec, errors.Wrapf(err, "finish execution %s", exec.Id)
	}
	duration := exec.EndedAt.Sub(exec.StartedAt)
	e.recorder.RecordExecution(analytics.ExecutionRecord{
		ExecutionId:     exec.Id,
		WorkflowId:      exec.WorkflowId,
		WorkflowVersion: exec.WorkflowVersion,
		Status:          exec.Status,
		Severity:        exec.Severity,
		Cancelled:       exec.Cancelled,
		DurationMs:      duration.Milliseconds(),
		Time:            *exec.EndedAt,
	})
	logger.Info("execution finished", zap.String("executionId", exec.Id), zap.String("workflowId", exec.WorkflowId),
		zap.String("status", string(exec.Status)), zap.String("severity", string(exec.Severity)), zap.Duration("duration", duration))
	return exec, nil
}
