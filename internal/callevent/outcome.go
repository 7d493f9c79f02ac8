package callevent

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Outcome type tags as sent by the platform.
const (
	TypeAnswerAppHostedMediaOutcome   = "answerAppHostedMediaOutcome"
	TypeJoinCallAppHostedMediaOutcome = "joinCallAppHostedMediaOutcome"
	TypeWorkflowValidationOutcome     = "workflowValidationOutcome"
)

// Link names found in successful outcome link maps.
const (
	LinkSubscriptions = "subscriptions"
	LinkCall          = "call"
)

// OutcomeStatus is the result of an action.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// OutcomeBase holds the fields common to every outcome.
type OutcomeBase struct {
	ID               string            `json:"id"`
	Status           OutcomeStatus     `json:"outcome"`
	FailureReason    string            `json:"failureReason,omitempty"`
	CompletionReason string            `json:"completionReason,omitempty"`
	Links            map[string]string `json:"links,omitempty"`
}

// Base returns the common outcome fields.
func (b *OutcomeBase) Base() *OutcomeBase { return b }

// Succeeded reports whether the outcome status is success.
func (b *OutcomeBase) Succeeded() bool { return b.Status == OutcomeSuccess }

// Link returns the named link parsed as a URL, or nil if absent.
func (b *OutcomeBase) Link(name string) *url.URL {
	raw, ok := b.Links[name]
	if !ok || raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

func (b *OutcomeBase) validate(tag string) error {
	switch b.Status {
	case OutcomeSuccess, OutcomeFailure:
	default:
		return fmt.Errorf("%w: %s has unknown outcome %q", ErrMalformed, tag, b.Status)
	}
	for name, raw := range b.Links {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: %s link %q is not an absolute url", ErrMalformed, tag, name)
		}
	}
	return nil
}

// Outcome is one of AnswerAppHostedMediaOutcome, JoinCallAppHostedMediaOutcome,
// WorkflowValidationOutcome or UnrecognizedOutcome.
type Outcome interface {
	Type() string
	Base() *OutcomeBase
	Validate() error

	outcome()
}

// AnswerAppHostedMediaOutcome is the result of answering an incoming call.
type AnswerAppHostedMediaOutcome struct {
	OutcomeBase
}

func (o *AnswerAppHostedMediaOutcome) Type() string    { return TypeAnswerAppHostedMediaOutcome }
func (o *AnswerAppHostedMediaOutcome) Validate() error { return o.validate(o.Type()) }
func (o *AnswerAppHostedMediaOutcome) outcome()        {}

// JoinCallAppHostedMediaOutcome is the result of joining a call.
type JoinCallAppHostedMediaOutcome struct {
	OutcomeBase
}

func (o *JoinCallAppHostedMediaOutcome) Type() string    { return TypeJoinCallAppHostedMediaOutcome }
func (o *JoinCallAppHostedMediaOutcome) Validate() error { return o.validate(o.Type()) }
func (o *JoinCallAppHostedMediaOutcome) outcome()        {}

// WorkflowValidationOutcome is sent when the platform rejected a workflow
// the bot returned.
type WorkflowValidationOutcome struct {
	OutcomeBase
}

func (o *WorkflowValidationOutcome) Type() string    { return TypeWorkflowValidationOutcome }
func (o *WorkflowValidationOutcome) Validate() error { return o.validate(o.Type()) }
func (o *WorkflowValidationOutcome) outcome()        {}

// UnrecognizedOutcome holds an outcome whose type tag is not understood.
type UnrecognizedOutcome struct {
	OutcomeBase
	Tag string
}

func (o *UnrecognizedOutcome) Type() string { return o.Tag }
func (o *UnrecognizedOutcome) outcome()     {}

func (o *UnrecognizedOutcome) Validate() error {
	return fmt.Errorf("%w: unrecognized outcome type %q", ErrMalformed, o.Tag)
}

// ConversationResult is the body the platform posts to the callback link
// after executing a workflow action.
type ConversationResult struct {
	ID       string
	AppState string
	Outcome  Outcome
}

// Validate checks the result envelope and its outcome.
func (r *ConversationResult) Validate() error {
	if r.AppState == "" {
		return fmt.Errorf("%w: conversation result has no app state", ErrMalformed)
	}
	if r.Outcome == nil {
		return fmt.Errorf("%w: conversation result has no outcome", ErrMalformed)
	}
	return r.Outcome.Validate()
}

type conversationResultJSON struct {
	ID               string          `json:"id"`
	AppState         string          `json:"appState"`
	OperationOutcome json.RawMessage `json:"operationOutcome"`
}

// UnmarshalJSON decodes the result, resolving the outcome by its "type" tag.
func (r *ConversationResult) UnmarshalJSON(data []byte) error {
	var raw conversationResultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = raw.ID
	r.AppState = raw.AppState
	r.Outcome = nil
	if len(raw.OperationOutcome) == 0 || string(raw.OperationOutcome) == "null" {
		return nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw.OperationOutcome, &head); err != nil {
		return fmt.Errorf("decoding outcome: %w", err)
	}

	var o Outcome
	switch head.Type {
	case TypeAnswerAppHostedMediaOutcome:
		o = &AnswerAppHostedMediaOutcome{}
	case TypeJoinCallAppHostedMediaOutcome:
		o = &JoinCallAppHostedMediaOutcome{}
	case TypeWorkflowValidationOutcome:
		o = &WorkflowValidationOutcome{}
	default:
		o = &UnrecognizedOutcome{Tag: head.Type}
	}
	if err := json.Unmarshal(raw.OperationOutcome, o); err != nil {
		return fmt.Errorf("decoding %s: %w", head.Type, err)
	}
	r.Outcome = o
	return nil
}

// MarshalJSON encodes the result with the outcome's type tag.
func (r *ConversationResult) MarshalJSON() ([]byte, error) {
	raw := conversationResultJSON{ID: r.ID, AppState: r.AppState}
	if r.Outcome != nil {
		body, err := json.Marshal(r.Outcome.Base())
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		tag, _ := json.Marshal(r.Outcome.Type())
		fields["type"] = tag
		if raw.OperationOutcome, err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}
	return json.Marshal(raw)
}
