// Package agent provides the default automated-agent behavior wired into
// every call leg: answer with the configured media session, hang up when the
// platform reports a failure, and drop the leg once it is over.
package agent

import (
	"context"
	"log/slog"

	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/callleg"
	"github.com/flowpbx/mediabot/internal/media"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// RejectReasonNoMedia is sent when no media session is configured.
const RejectReasonNoMedia = "noMediaConfigured"

// LegRemover forgets a call leg. Implemented by callback.Registry.
type LegRemover interface {
	Remove(legID string) bool
}

// Agent holds the default handlers' dependencies.
type Agent struct {
	session media.Session
	legs    LegRemover
	logger  *slog.Logger
}

// New creates an agent. session may be nil, in which case incoming calls are
// rejected.
func New(session media.Session, legs LegRemover, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		session: session,
		legs:    legs,
		logger:  logger.With("subsystem", "agent"),
	}
}

// Handlers returns a registry with every event kind handled.
func (a *Agent) Handlers() callleg.Handlers {
	return callleg.Handlers{
		IncomingCall:             a.incomingCall,
		JoinCallRequested:        a.joinCallRequested,
		AnswerSucceeded:          a.answerSucceeded,
		AnswerFailed:             a.answerFailed,
		JoinSucceeded:            a.joinSucceeded,
		JoinFailed:               a.joinFailed,
		CallStateChange:          a.callStateChange,
		RosterUpdate:             a.rosterUpdate,
		WorkflowValidationFailed: a.workflowValidationFailed,
		Cleanup:                  a.cleanup,
	}
}

func (a *Agent) incomingCall(_ context.Context, ev *callleg.IncomingCallEvent) error {
	caller := ""
	if p := ev.Conversation.Originator(); p != nil {
		caller = p.Identity
	}

	if a.session == nil {
		a.logger.Warn("rejecting incoming call, no media session configured",
			"call_leg_id", ev.CallLegID, "caller", caller)
		return ev.Reject(RejectReasonNoMedia)
	}

	a.logger.Info("answering incoming call", "call_leg_id", ev.CallLegID, "caller", caller)
	return ev.Answer(a.session)
}

func (a *Agent) joinCallRequested(_ context.Context, ev *callleg.JoinCallEvent) error {
	a.logger.Info("joining call", "call_leg_id", ev.CallLegID, "display_name", ev.Params.DisplayName)
	return nil
}

func (a *Agent) answerSucceeded(_ context.Context, ev *callleg.AnswerOutcomeEvent) error {
	a.logger.Info("call answered", "call_leg_id", ev.CallLegID, "outcome_id", ev.Outcome.ID)
	return nil
}

func (a *Agent) joinSucceeded(_ context.Context, ev *callleg.JoinOutcomeEvent) error {
	a.logger.Info("call joined", "call_leg_id", ev.CallLegID, "outcome_id", ev.Outcome.ID)
	return nil
}

func (a *Agent) answerFailed(_ context.Context, ev *callleg.AnswerOutcomeEvent) error {
	a.hangup(ev.Workflow, ev.Leg, "answer", &ev.Outcome.OutcomeBase)
	return nil
}

func (a *Agent) joinFailed(_ context.Context, ev *callleg.JoinOutcomeEvent) error {
	a.hangup(ev.Workflow, ev.Leg, "join", &ev.Outcome.OutcomeBase)
	return nil
}

func (a *Agent) workflowValidationFailed(_ context.Context, ev *callleg.WorkflowValidationEvent) error {
	a.hangup(ev.Workflow, ev.Leg, "workflow", &ev.Outcome.OutcomeBase)
	return nil
}

func (a *Agent) hangup(wf *workflow.Workflow, leg callleg.Leg, what string, o *callevent.OutcomeBase) {
	a.logger.Warn("operation failed, hanging up",
		"call_leg_id", leg.CallLegID,
		"operation", what,
		"failure_reason", o.FailureReason,
		"completion_reason", o.CompletionReason,
	)
	wf.AddAction(&workflow.Hangup{OperationID: workflow.NewOperationID()})
}

func (a *Agent) callStateChange(_ context.Context, ev *callleg.CallStateChangeEvent) error {
	a.logger.Info("call state changed",
		"call_leg_id", ev.CallLegID,
		"call_id", ev.Notification.CallID,
		"state", ev.Notification.CurrentState,
	)
	if ev.Notification.CurrentState == callevent.CallStateTerminated {
		a.forget(ev.CallLegID)
	}
	return nil
}

func (a *Agent) rosterUpdate(_ context.Context, ev *callleg.RosterUpdateEvent) error {
	a.logger.Info("roster updated",
		"call_leg_id", ev.CallLegID,
		"participants", len(ev.Notification.Participants),
	)
	return nil
}

func (a *Agent) cleanup(_ context.Context, ev *callleg.CleanupEvent) error {
	a.logger.Info("cleaning up call leg", "call_leg_id", ev.CallLegID, "reason", ev.Reason)
	a.forget(ev.CallLegID)
	return nil
}

func (a *Agent) forget(legID string) {
	if a.legs == nil {
		return
	}
	if a.legs.Remove(legID) {
		a.logger.Debug("call leg removed", "call_leg_id", legID)
	}
}
