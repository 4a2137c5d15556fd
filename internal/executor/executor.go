package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateline/internal/audit"
	"gateline/internal/domain"
	"gateline/internal/permission"
	"gateline/internal/registry"
	"gateline/internal/store"
)

// ValidationError reports arguments that do not satisfy the command's
// declared parameter schema.
type ValidationError struct {
	CommandID string
	Problems  []string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.CommandID, strings.Join(e.Problems, "; "))
}

// DefaultTimeout bounds the resource store call when neither the command nor
// the config sets one.
const DefaultTimeout = 5 * time.Second

// Executor runs the full command lifecycle: resolve, validate, permission
// check, write-ahead audit, store invocation, predicate check, finalize.
// One Execute call is one independent unit of work; no cross-command locks
// are held.
type Executor struct {
	Registry       *registry.Registry
	Audit          audit.Log
	Store          store.Invoker
	DefaultTimeout time.Duration
	Now            func() time.Time
}

// Execute runs one command on behalf of role. Expected failure modes
// (denial, bad arguments, store failure, timeout) come back as a result with
// the matching status and a persisted audit entry reference; the returned
// error is reserved for unrecoverable conditions (unknown command, audit
// consistency violations, audit write failures).
func (e *Executor) Execute(ctx context.Context, role, commandID string, args map[string]any) (domain.ExecutionResult, error) {
	return e.ExecuteCorrelated(ctx, role, commandID, args, "")
}

// ExecuteCorrelated is Execute with a caller-supplied correlation id.
// Retries are new executions: the executor never reuses a correlation id on
// its own.
func (e *Executor) ExecuteCorrelated(ctx context.Context, role, commandID string, args map[string]any, correlationID string) (domain.ExecutionResult, error) {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	// The snapshot is pinned for the whole execution; a concurrent reload
	// does not affect this attempt.
	snap := e.Registry.Current()
	def, err := snap.Resolve(commandID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	result := domain.ExecutionResult{CorrelationID: correlationID}

	if problems := validateArgs(def, args); len(problems) > 0 {
		verr := ValidationError{CommandID: def.ID, Problems: problems}
		result.Status = domain.StatusFailed
		result.Reason = verr.Error()
		// write-side validation failures are always audited; read-side only
		// when the definition opts in
		if def.Permission == domain.PermissionWrite || def.AuditReads {
			h, err := e.Audit.Begin(ctx, role, def.ID, def.Domain, def.Permission, correlationID)
			if err != nil {
				return domain.ExecutionResult{}, err
			}
			if err := e.Audit.Finalize(ctx, h, domain.OutcomeFailed, map[string]any{
				"error":             "validation",
				"validation_errors": problems,
			}); err != nil {
				return domain.ExecutionResult{}, err
			}
			result.AuditEntryID = h.ID
		}
		return result, nil
	}

	if decision := permission.Check(role, def, snap.Policy()); !decision.Allowed {
		h, err := e.Audit.Begin(ctx, role, def.ID, def.Domain, def.Permission, correlationID)
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		if err := e.Audit.Finalize(ctx, h, domain.OutcomeDenied, map[string]any{
			"reason": string(decision.Reason),
		}); err != nil {
			return domain.ExecutionResult{}, err
		}
		result.Status = domain.StatusDenied
		result.Reason = string(decision.Reason)
		result.AuditEntryID = h.ID
		return result, nil
	}

	// Write-ahead step: intent is durable before the store is touched.
	h, err := e.Audit.Begin(ctx, role, def.ID, def.Domain, def.Permission, correlationID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	result.AuditEntryID = h.ID

	req := store.InvokeRequest{
		CommandID:     def.ID,
		Domain:        def.Domain,
		Operation:     def.Permission,
		Resource:      stringArg(args, "resource"),
		Args:          args,
		Role:          role,
		CorrelationID: correlationID,
	}

	timeout := e.timeoutFor(def)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type invokeOut struct {
		res store.Result
		err error
	}
	done := make(chan invokeOut, 1)
	go func() {
		res, err := e.Store.Invoke(cctx, req)
		done <- invokeOut{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return e.finalizeTimedOut(ctx, h, result, timeout)
			}
			if err := e.Audit.Finalize(ctx, h, domain.OutcomeFailed, map[string]any{
				"error": out.err.Error(),
			}); err != nil {
				return domain.ExecutionResult{}, err
			}
			result.Status = domain.StatusFailed
			result.Reason = out.err.Error()
			return result, nil
		}
		if !store.EvalPredicate(def.SuccessPredicate, out.res) {
			if err := e.Audit.Finalize(ctx, h, domain.OutcomeFailed, map[string]any{
				"error":     "success predicate failed",
				"predicate": def.SuccessPredicate,
			}); err != nil {
				return domain.ExecutionResult{}, err
			}
			result.Status = domain.StatusFailed
			result.Reason = fmt.Sprintf("success predicate %s failed", def.SuccessPredicate)
			return result, nil
		}
		if err := e.Audit.Finalize(ctx, h, domain.OutcomeSuccess, map[string]any{
			"payload": out.res.Payload,
		}); err != nil {
			return domain.ExecutionResult{}, err
		}
		result.Status = domain.StatusSucceeded
		result.Payload = out.res.Payload
		return result, nil
	case <-cctx.Done():
		// Cancel the wait, not the operation: a late store result is
		// discarded, never finalized.
		return e.finalizeTimedOut(ctx, h, result, timeout)
	}
}

func (e *Executor) finalizeTimedOut(ctx context.Context, h audit.Handle, result domain.ExecutionResult, timeout time.Duration) (domain.ExecutionResult, error) {
	// finalize on a fresh context: the caller's may already be done
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.Audit.Finalize(fctx, h, domain.OutcomeTimedOut, map[string]any{
		"timeout": timeout.String(),
	}); err != nil {
		return domain.ExecutionResult{}, err
	}
	result.Status = domain.StatusTimedOut
	result.Reason = fmt.Sprintf("store call exceeded %s", timeout)
	return result, nil
}

func (e *Executor) timeoutFor(def domain.CommandDefinition) time.Duration {
	if def.TimeoutSeconds > 0 {
		return time.Duration(def.TimeoutSeconds) * time.Second
	}
	if e.DefaultTimeout > 0 {
		return e.DefaultTimeout
	}
	return DefaultTimeout
}

func validateArgs(def domain.CommandDefinition, args map[string]any) []string {
	var problems []string
	declared := map[string]domain.Param{}
	for _, p := range def.Params {
		declared[p.Name] = p
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %s", p.Name))
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			problems = append(problems, fmt.Sprintf("parameter %s must be %s", p.Name, p.Type))
		}
	}
	for name := range args {
		if _, ok := declared[name]; !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %s", name))
		}
	}
	return problems
}

func typeMatches(paramType string, v any) bool {
	switch paramType {
	case "string":
		_, ok := v.(string)
		return ok
	case "int":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON numbers decode to float64
			return n == float64(int64(n))
		default:
			return false
		}
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "list":
		switch v.(type) {
		case []any, []string:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}
