package action

import (
	"context"
	"errors"
	"time"

	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/retry"
	"go.uber.org/zap"
)

type Request struct {
	ExecutionId string
	WorkflowId  string
	Index       int
	Def         model.ActionDef
	Params      map[string]any
	// FallbackParams are the resolved parameters of Def.Fallback.
	FallbackParams map[string]any
}

// Token is the idempotency token of an action within an execution. It is the
// same for every retry of the action.
func Token(executionId, actionName string) string {
	return executionId + ":" + actionName
}

func FallbackToken(executionId, actionName string) string {
	return Token(executionId, actionName) + ":fallback"
}

type Executor struct {
	adapters  *adapter.Registry
	sync      Synchronizer
	recorder  analytics.Recorder
	retryOpts []retry.Option
	now       func() time.Time
}

func NewExecutor(adapters *adapter.Registry, sync Synchronizer, recorder analytics.Recorder, retryOpts ...retry.Option) *Executor {
	if recorder == nil {
		recorder = analytics.NopRecorder{}
	}
	return &Executor{
		adapters:  adapters,
		sync:      sync,
		recorder:  recorder,
		retryOpts: retryOpts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Build creates the Action implementing a definition.
func (e *Executor) Build(def model.ActionDef) Action {
	var target adapter.Adapter
	if def.Type.NeedsTarget() {
		if a, ok := e.adapters.Get(def.Target); ok {
			target = a
		}
	}
	switch def.Type {
	case model.SEND_MESSAGE:
		return &adapterAction{def: def, kind: adapter.MESSAGE, adapter: target}
	case model.CALL_WEBHOOK:
		return &adapterAction{def: def, kind: adapter.WEBHOOK, adapter: target}
	case model.WRITE_RECORD:
		return &recordAction{adapterAction: adapterAction{def: def, kind: adapter.RECORD, adapter: target}, sync: e.sync, now: e.now}
	case model.WAIT:
		return &waitAction{def: def}
	case model.TRANSFORM:
		return &jsAction{def: def}
	default:
		return &invalidAction{def: def}
	}
}

type invalidAction struct {
	def model.ActionDef
}

func (i *invalidAction) Validate() error {
	return terminal(i.def.Name, "unknown action type %q", i.def.Type)
}

func (i *invalidAction) Execute(ctx context.Context, token string, params map[string]any) (map[string]any, error) {
	return nil, i.Validate()
}

// Execute runs an action with its retry policy, and its fallback when the
// action fails terminally or exhausts its attempts.
func (e *Executor) Execute(ctx context.Context, req Request) model.ActionResult {
	started := e.now()
	result := model.ActionResult{
		Name:      req.Def.Name,
		Index:     req.Index,
		Type:      req.Def.Type,
		Target:    req.Def.Target,
		StartedAt: started,
	}
	output, attempts, err := e.run(ctx, req, req.Def, req.Params, Token(req.ExecutionId, req.Def.Name), false)
	result.Attempts = attempts
	result.Cost = req.Def.Cost * float64(attempts)

	if err != nil && req.Def.Fallback != nil && ctx.Err() == nil {
		logger.Warn("action failed, running fallback", zap.String("executionId", req.ExecutionId), zap.String("action", req.Def.Name), zap.String("fallback", req.Def.Fallback.Name), zap.Error(err))
		fb := *req.Def.Fallback
		if fb.Name == "" {
			fb.Name = req.Def.Name
		}
		var fbAttempts int
		output, fbAttempts, err = e.run(ctx, req, fb, req.FallbackParams, FallbackToken(req.ExecutionId, req.Def.Name), true)
		result.UsedFallback = true
		result.Attempts += fbAttempts
		result.Cost += fb.Cost * float64(fbAttempts)
	}

	result.EndedAt = e.now()
	result.DurationMs = result.EndedAt.Sub(started).Milliseconds()
	if err != nil {
		result.Status = model.RESULT_FAILED
		result.Error = err.Error()
		result.ErrorKind = Classify(err)
		return result
	}
	result.Status = model.RESULT_SUCCEEDED
	result.Output = output
	return result
}

func (e *Executor) run(ctx context.Context, req Request, def model.ActionDef, params map[string]any, token string, fallback bool) (map[string]any, int, error) {
	act := e.Build(def)
	if err := act.Validate(); err != nil {
		e.record(req, def, 1, fallback, 0, err)
		return nil, 1, err
	}
	timeout := def.Timeout()
	if def.Type == model.WAIT {
		timeout += time.Duration(def.WaitMs) * time.Millisecond
	}
	var output map[string]any
	op := func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		out, err := act.Execute(attemptCtx, token, params)
		e.record(req, def, attempt, fallback, time.Since(start), err)
		if err == nil {
			output = out
			return nil
		}
		if Classify(err) == model.ERROR_KIND_TERMINAL {
			var te model.ActionTerminalError
			if errors.As(err, &te) {
				return retry.Permanent(err)
			}
			return retry.Permanent(model.ActionTerminalError{Action: def.Name, Err: err})
		}
		return model.ActionRetryableError{Action: def.Name, Err: err}
	}
	notify := retry.WithNotify(func(err error, attempt int, next time.Duration) {
		logger.Info("retrying action", zap.String("severity", string(model.SEVERITY_MEDIUM)), zap.String("executionId", req.ExecutionId),
			zap.String("action", def.Name), zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
	})
	opts := append([]retry.Option{notify}, e.retryOpts...)
	attempts, err := retry.Do(ctx, def.RetryPolicy(), op, opts...)
	return output, attempts, err
}

func (e *Executor) record(req Request, def model.ActionDef, attempt int, fallback bool, latency time.Duration, err error) {
	rec := analytics.AttemptRecord{
		ExecutionId: req.ExecutionId,
		WorkflowId:  req.WorkflowId,
		Action:      def.Name,
		ActionType:  def.Type,
		Target:      def.Target,
		Attempt:     attempt,
		Success:     err == nil,
		LatencyMs:   latency.Milliseconds(),
		Cost:        def.Cost,
		Fallback:    fallback,
		Time:        e.now(),
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = Classify(err)
	}
	e.recorder.RecordAttempt(rec)
}

// Classify maps an attempt error to its kind. Terminal adapter errors and
// terminal action errors are not retried, everything else is.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ERROR_KIND_NONE
	}
	var te model.ActionTerminalError
	if errors.As(err, &te) || adapter.IsTerminal(err) {
		return model.ERROR_KIND_TERMINAL
	}
	return model.ERROR_KIND_RETRYABLE
}
