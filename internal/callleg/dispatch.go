package callleg

import (
	"context"
	"fmt"
	"net/url"

	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// ProcessNotificationResult routes a platform notification to its handler.
// Notifications need no reply, so a missing handler drops the event.
func (c *Controller) ProcessNotificationResult(ctx context.Context, n callevent.Notification) error {
	ctx, unlock := c.lockEvents(ctx)
	defer unlock()

	switch n := n.(type) {
	case *callevent.CallStateChangeNotification:
		if err := c.validateNotification(n); err != nil {
			return c.fail(ctx, EventCallStateChange, err)
		}
		ev := &CallStateChangeEvent{Leg: c.leg(), Notification: n}
		ran, err := invoke(ctx, EventCallStateChange, c.handlers.CallStateChange, ev)
		return c.finishNotification(ctx, EventCallStateChange, ran, err, string(n.CurrentState))

	case *callevent.RosterUpdateNotification:
		if err := c.validateNotification(n); err != nil {
			return c.fail(ctx, EventRosterUpdate, err)
		}
		ev := &RosterUpdateEvent{Leg: c.leg(), Notification: n}
		ran, err := invoke(ctx, EventRosterUpdate, c.handlers.RosterUpdate, ev)
		return c.finishNotification(ctx, EventRosterUpdate, ran, err, fmt.Sprintf("%d participants", len(n.Participants)))

	case *callevent.UnrecognizedNotification:
		err := fmt.Errorf("%w: call leg %s: unknown notification type %q", ErrProtocolViolation, c.legID, n.Tag)
		c.logger.Error("notification rejected", "error", err)
		return err

	default:
		err := fmt.Errorf("%w: call leg %s: unknown notification type %T", ErrProtocolViolation, c.legID, n)
		c.logger.Error("notification rejected", "error", err)
		return err
	}
}

func (c *Controller) validateNotification(n callevent.Notification) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("%w: call leg %s: %w", ErrProtocolViolation, c.legID, err)
	}
	return nil
}

func (c *Controller) finishNotification(ctx context.Context, kind EventKind, ran bool, err error, detail string) error {
	if err != nil {
		return c.fail(ctx, kind, err)
	}
	if !ran {
		c.logger.Debug("no handler registered, notification dropped", "event", kind)
		c.record(ctx, kind, "skipped", detail)
		return nil
	}
	c.logger.Info("notification handled", "event", kind, "detail", detail)
	c.record(ctx, kind, "ok", detail)
	return nil
}

// ProcessConversationResult routes an operation outcome to its handler and
// returns the workflow to send back to the platform. Every outcome branch
// requires a handler.
//
// A successful answer or join caches the links from the outcome, cancels the
// expiry watchdog, and requires the returned workflow to carry no actions.
// Failures leave links and watchdog untouched.
func (c *Controller) ProcessConversationResult(ctx context.Context, result *callevent.ConversationResult) (*workflow.Workflow, error) {
	ctx, unlock := c.lockEvents(ctx)
	defer unlock()

	if result == nil {
		err := fmt.Errorf("%w: call leg %s: conversation result is nil", ErrProtocolViolation, c.legID)
		c.logger.Error("conversation result rejected", "error", err)
		return nil, err
	}
	if o, ok := result.Outcome.(*callevent.UnrecognizedOutcome); ok {
		err := fmt.Errorf("%w: call leg %s: unknown outcome type %q", ErrProtocolViolation, c.legID, o.Tag)
		c.logger.Error("conversation result rejected", "error", err)
		return nil, err
	}
	if err := result.Validate(); err != nil {
		err = fmt.Errorf("%w: call leg %s: %w", ErrProtocolViolation, c.legID, err)
		c.logger.Error("conversation result rejected", "error", err)
		return nil, err
	}

	var (
		kind        EventKind
		wf          *workflow.Workflow
		err         error
		expectEmpty bool
	)
	seed := c.builder.Build(c.legID)

	switch o := result.Outcome.(type) {
	case *callevent.AnswerAppHostedMediaOutcome:
		ev := &AnswerOutcomeEvent{Leg: c.leg(), Outcome: o, Workflow: seed}
		if o.Succeeded() {
			kind = EventAnswerSucceeded
			c.cacheLinks(o.Link(callevent.LinkSubscriptions), o.Link(callevent.LinkCall))
			c.markEstablished()
			expectEmpty = true
			wf, err = invokeForWorkflow(ctx, kind, c.handlers.AnswerSucceeded, ev)
		} else {
			kind = EventAnswerFailed
			c.logOutcomeFailure(kind, &o.OutcomeBase)
			wf, err = invokeForWorkflow(ctx, kind, c.handlers.AnswerFailed, ev)
		}

	case *callevent.JoinCallAppHostedMediaOutcome:
		ev := &JoinOutcomeEvent{Leg: c.leg(), Outcome: o, Workflow: seed}
		if o.Succeeded() {
			kind = EventJoinSucceeded
			c.cacheLinks(nil, o.Link(callevent.LinkCall))
			c.markEstablished()
			expectEmpty = true
			wf, err = invokeForWorkflow(ctx, kind, c.handlers.JoinSucceeded, ev)
		} else {
			kind = EventJoinFailed
			c.logOutcomeFailure(kind, &o.OutcomeBase)
			wf, err = invokeForWorkflow(ctx, kind, c.handlers.JoinFailed, ev)
		}

	case *callevent.WorkflowValidationOutcome:
		kind = EventWorkflowValidationFailed
		c.logOutcomeFailure(kind, &o.OutcomeBase)
		ev := &WorkflowValidationEvent{Leg: c.leg(), Outcome: o, Workflow: seed}
		wf, err = invokeForWorkflow(ctx, kind, c.handlers.WorkflowValidationFailed, ev)

	default:
		err := fmt.Errorf("%w: call leg %s: unknown outcome type %T", ErrProtocolViolation, c.legID, o)
		c.logger.Error("conversation result rejected", "error", err)
		return nil, err
	}

	if err != nil {
		return nil, c.fail(ctx, kind, err)
	}
	if err := wf.Validate(expectEmpty); err != nil {
		return nil, c.fail(ctx, kind, err)
	}

	c.logger.Info("conversation result handled",
		"event", kind,
		"outcome_id", result.Outcome.Base().ID,
		"actions", len(wf.Actions),
	)
	c.record(ctx, kind, string(result.Outcome.Base().Status), result.Outcome.Base().ID)
	return wf, nil
}

// cacheLinks stores links the platform returned on establishment. Each link
// is set at most once and never cleared.
func (c *Controller) cacheLinks(subscription, call *url.URL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscription != nil && c.subscriptionLink == nil {
		c.subscriptionLink = subscription
	}
	if call != nil && c.callLink == nil {
		c.callLink = call
	}
}

// markEstablished records the successful answer or join and stops the
// watchdog. If the timer already fired, expire sees the flag and backs off.
func (c *Controller) markEstablished() {
	c.mu.Lock()
	c.established = true
	c.mu.Unlock()
	if c.watchdog.Cancel() {
		c.logger.Info("call leg established, expiry watchdog cancelled")
	} else {
		c.logger.Info("call leg established")
	}
}

func (c *Controller) logOutcomeFailure(kind EventKind, base *callevent.OutcomeBase) {
	c.logger.Warn("operation outcome reported failure",
		"event", kind,
		"outcome_id", base.ID,
		"failure_reason", base.FailureReason,
		"completion_reason", base.CompletionReason,
	)
}
