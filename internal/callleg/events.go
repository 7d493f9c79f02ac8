package callleg

import (
	"context"
	"fmt"

	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/media"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// EventKind names an event raised to caller-supplied handlers.
type EventKind string

const (
	EventIncomingCall             EventKind = "incoming_call"
	EventJoinCallRequested        EventKind = "join_call_requested"
	EventAnswerSucceeded          EventKind = "answer_succeeded"
	EventAnswerFailed             EventKind = "answer_failed"
	EventJoinSucceeded            EventKind = "join_succeeded"
	EventJoinFailed               EventKind = "join_failed"
	EventCallStateChange          EventKind = "call_state_change"
	EventRosterUpdate             EventKind = "roster_update"
	EventWorkflowValidationFailed EventKind = "workflow_validation_failed"
	EventCleanup                  EventKind = "cleanup"
)

// Leg identifies the call leg an event belongs to.
type Leg struct {
	CallLegID     string
	CorrelationID string
}

// IncomingCallEvent is raised when the platform offers a call. The handler
// decides by calling Answer or Reject; Workflow may be further edited.
type IncomingCallEvent struct {
	Leg
	Conversation *callevent.Conversation
	Workflow     *workflow.Workflow

	session media.Session
	decided bool
}

// Answer adds an answer action carrying the session's media configuration
// and subscribes the workflow to the session's notification types.
func (e *IncomingCallEvent) Answer(session media.Session) error {
	if e.decided {
		return ErrAlreadyDecided
	}
	if session == nil {
		return fmt.Errorf("%w: answer requires a media session", workflow.ErrValidation)
	}
	cfg, err := session.MediaConfiguration()
	if err != nil {
		return fmt.Errorf("media configuration: %w", err)
	}

	e.Workflow.AddAction(&workflow.AnswerAppHostedMedia{
		OperationID:        workflow.NewOperationID(),
		MediaConfiguration: cfg,
	})
	e.Workflow.Subscribe(session.Subscriptions()...)
	e.session = session
	e.decided = true
	return nil
}

// Reject adds a reject action.
func (e *IncomingCallEvent) Reject(reason string) error {
	if e.decided {
		return ErrAlreadyDecided
	}
	e.Workflow.AddAction(&workflow.Reject{
		OperationID: workflow.NewOperationID(),
		Reason:      reason,
	})
	e.decided = true
	return nil
}

// MediaSession returns the session passed to Answer, or nil.
func (e *IncomingCallEvent) MediaSession() media.Session {
	return e.session
}

// JoinCallParameters describe a bot-initiated join of an existing call.
type JoinCallParameters struct {
	JoinToken    string
	DisplayName  string
	MediaSession media.Session
}

// JoinCallEvent is raised before a join workflow is posted to the platform.
// The join action is already present; the handler may edit Workflow.
type JoinCallEvent struct {
	Leg
	Params   *JoinCallParameters
	Workflow *workflow.Workflow
}

// AnswerOutcomeEvent is raised for an answer outcome, success or failure.
type AnswerOutcomeEvent struct {
	Leg
	Outcome  *callevent.AnswerAppHostedMediaOutcome
	Workflow *workflow.Workflow
}

// JoinOutcomeEvent is raised for a join outcome, success or failure.
type JoinOutcomeEvent struct {
	Leg
	Outcome  *callevent.JoinCallAppHostedMediaOutcome
	Workflow *workflow.Workflow
}

// WorkflowValidationEvent is raised when the platform rejected a workflow.
type WorkflowValidationEvent struct {
	Leg
	Outcome  *callevent.WorkflowValidationOutcome
	Workflow *workflow.Workflow
}

// CallStateChangeEvent carries a call state change notification.
type CallStateChangeEvent struct {
	Leg
	Notification *callevent.CallStateChangeNotification
}

// RosterUpdateEvent carries a roster update notification.
type RosterUpdateEvent struct {
	Leg
	Notification *callevent.RosterUpdateNotification
}

// CleanupReason says why local cleanup ran.
type CleanupReason string

const (
	CleanupRequested CleanupReason = "requested"
	CleanupExpired   CleanupReason = "expired"
)

// CleanupEvent asks the owner of the leg to release its local resources.
type CleanupEvent struct {
	Leg
	Reason CleanupReason
}

func (e *JoinCallEvent) resultWorkflow() *workflow.Workflow           { return e.Workflow }
func (e *AnswerOutcomeEvent) resultWorkflow() *workflow.Workflow      { return e.Workflow }
func (e *JoinOutcomeEvent) resultWorkflow() *workflow.Workflow        { return e.Workflow }
func (e *WorkflowValidationEvent) resultWorkflow() *workflow.Workflow { return e.Workflow }

// Handler handles one kind of event. Handlers run with the leg's event lock
// held. They may call Subscribe, EndCall and LocalCleanup on their own leg,
// passing ctx through; ctx must not be used once the handler has returned.
type Handler[E any] func(ctx context.Context, ev E) error

// Handlers holds at most one handler per event kind. Any field may be nil.
type Handlers struct {
	IncomingCall             Handler[*IncomingCallEvent]
	JoinCallRequested        Handler[*JoinCallEvent]
	AnswerSucceeded          Handler[*AnswerOutcomeEvent]
	AnswerFailed             Handler[*AnswerOutcomeEvent]
	JoinSucceeded            Handler[*JoinOutcomeEvent]
	JoinFailed               Handler[*JoinOutcomeEvent]
	CallStateChange          Handler[*CallStateChangeEvent]
	RosterUpdate             Handler[*RosterUpdateEvent]
	WorkflowValidationFailed Handler[*WorkflowValidationEvent]
	Cleanup                  Handler[*CleanupEvent]
}
