package callleg

import (
	"context"
	"fmt"

	"github.com/flowpbx/mediabot/internal/workflow"
)

// absentPolicy decides what happens when an event has no handler.
type absentPolicy int

const (
	// failIfAbsent reports ErrMissingHandler. Used where the platform
	// waits for a workflow or the caller depends on the handler running.
	failIfAbsent absentPolicy = iota
	// skipIfAbsent drops the event.
	skipIfAbsent
)

var absentPolicies = map[EventKind]absentPolicy{
	EventIncomingCall:             skipIfAbsent,
	EventJoinCallRequested:        skipIfAbsent,
	EventAnswerSucceeded:          failIfAbsent,
	EventAnswerFailed:             failIfAbsent,
	EventJoinSucceeded:            failIfAbsent,
	EventJoinFailed:               failIfAbsent,
	EventCallStateChange:          skipIfAbsent,
	EventRosterUpdate:             skipIfAbsent,
	EventWorkflowValidationFailed: failIfAbsent,
	EventCleanup:                  failIfAbsent,
}

// workflowResult is implemented by events whose handler edits a workflow.
type workflowResult interface {
	resultWorkflow() *workflow.Workflow
}

// invoke runs h with ev. It reports whether a handler ran. An absent
// handler is an error or a no-op depending on the kind's policy.
func invoke[E any](ctx context.Context, kind EventKind, h Handler[E], ev E) (bool, error) {
	if h == nil {
		if absentPolicies[kind] == failIfAbsent {
			return false, fmt.Errorf("%w for %s", ErrMissingHandler, kind)
		}
		return false, nil
	}
	if err := h(ctx, ev); err != nil {
		return true, fmt.Errorf("%s handler: %w", kind, err)
	}
	return true, nil
}

// invokeForWorkflow runs a required handler and returns the workflow the
// event carries once the handler is done with it.
func invokeForWorkflow[E workflowResult](ctx context.Context, kind EventKind, h Handler[E], ev E) (*workflow.Workflow, error) {
	ran, err := invoke(ctx, kind, h, ev)
	if err != nil {
		return nil, err
	}
	if !ran {
		return nil, fmt.Errorf("%w for %s", ErrMissingHandler, kind)
	}
	wf := ev.resultWorkflow()
	if wf == nil {
		return nil, fmt.Errorf("%w: %s handler cleared the workflow", workflow.ErrValidation, kind)
	}
	return wf, nil
}
