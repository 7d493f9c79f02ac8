package workflow

import (
	"encoding/json"
	"fmt"
)

// Action names used as the "action" discriminator on the wire.
const (
	ActionAnswerAppHostedMedia   = "answerAppHostedMedia"
	ActionJoinCallAppHostedMedia = "joinCallAppHostedMedia"
	ActionReject                 = "reject"
	ActionHangup                 = "hangup"
)

// Action is a single step the platform should perform for the call.
type Action interface {
	ActionName() string
	Validate() error
}

// AnswerAppHostedMedia answers an incoming call with media hosted by the bot.
type AnswerAppHostedMedia struct {
	OperationID        string          `json:"operationId"`
	MediaConfiguration json.RawMessage `json:"mediaConfiguration"`
}

func (a *AnswerAppHostedMedia) ActionName() string { return ActionAnswerAppHostedMedia }

func (a *AnswerAppHostedMedia) Validate() error {
	if a.OperationID == "" {
		return fmt.Errorf("%w: operation id is empty", ErrValidation)
	}
	if len(a.MediaConfiguration) == 0 {
		return fmt.Errorf("%w: media configuration is empty", ErrValidation)
	}
	return nil
}

func (a *AnswerAppHostedMedia) MarshalJSON() ([]byte, error) {
	type plain AnswerAppHostedMedia
	return marshalTagged(ActionAnswerAppHostedMedia, (*plain)(a))
}

// JoinCallAppHostedMedia joins an existing conversation (meeting) with
// media hosted by the bot.
type JoinCallAppHostedMedia struct {
	OperationID        string          `json:"operationId"`
	JoinToken          string          `json:"joinToken"`
	DisplayName        string          `json:"displayName,omitempty"`
	MediaConfiguration json.RawMessage `json:"mediaConfiguration"`
}

func (a *JoinCallAppHostedMedia) ActionName() string { return ActionJoinCallAppHostedMedia }

func (a *JoinCallAppHostedMedia) Validate() error {
	if a.OperationID == "" {
		return fmt.Errorf("%w: operation id is empty", ErrValidation)
	}
	if a.JoinToken == "" {
		return fmt.Errorf("%w: join token is empty", ErrValidation)
	}
	if len(a.MediaConfiguration) == 0 {
		return fmt.Errorf("%w: media configuration is empty", ErrValidation)
	}
	return nil
}

func (a *JoinCallAppHostedMedia) MarshalJSON() ([]byte, error) {
	type plain JoinCallAppHostedMedia
	return marshalTagged(ActionJoinCallAppHostedMedia, (*plain)(a))
}

// Reject declines an incoming call.
type Reject struct {
	OperationID string `json:"operationId"`
	Reason      string `json:"reason,omitempty"`
}

func (a *Reject) ActionName() string { return ActionReject }

func (a *Reject) Validate() error {
	if a.OperationID == "" {
		return fmt.Errorf("%w: operation id is empty", ErrValidation)
	}
	return nil
}

func (a *Reject) MarshalJSON() ([]byte, error) {
	type plain Reject
	return marshalTagged(ActionReject, (*plain)(a))
}

// Hangup ends the call from the bot side.
type Hangup struct {
	OperationID string `json:"operationId"`
}

func (a *Hangup) ActionName() string { return ActionHangup }

func (a *Hangup) Validate() error {
	if a.OperationID == "" {
		return fmt.Errorf("%w: operation id is empty", ErrValidation)
	}
	return nil
}

func (a *Hangup) MarshalJSON() ([]byte, error) {
	type plain Hangup
	return marshalTagged(ActionHangup, (*plain)(a))
}

// marshalTagged encodes v and injects the "action" discriminator.
func marshalTagged(name string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(name)
	fields["action"] = tag
	return json.Marshal(fields)
}

// decodeAction resolves a raw action by its "action" field.
func decodeAction(msg json.RawMessage) (Action, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil, err
	}

	var a Action
	switch head.Action {
	case ActionAnswerAppHostedMedia:
		a = &AnswerAppHostedMedia{}
	case ActionJoinCallAppHostedMedia:
		a = &JoinCallAppHostedMedia{}
	case ActionReject:
		a = &Reject{}
	case ActionHangup:
		a = &Hangup{}
	default:
		return nil, fmt.Errorf("unknown action %q", head.Action)
	}
	if err := json.Unmarshal(msg, a); err != nil {
		return nil, err
	}
	return a, nil
}
