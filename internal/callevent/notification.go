package callevent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a notification or conversation result
// payload is missing required fields.
var ErrMalformed = errors.New("malformed payload")

// Notification type tags as sent by the platform.
const (
	TypeCallStateChange = "callStateChange"
	TypeRosterUpdate    = "rosterUpdate"
)

// Notification is one of CallStateChangeNotification, RosterUpdateNotification
// or UnrecognizedNotification.
type Notification interface {
	// Type returns the wire type tag.
	Type() string
	// Validate checks the payload shape.
	Validate() error

	notification()
}

// CallState is the platform-reported state of a call.
type CallState string

const (
	CallStateIncoming    CallState = "incoming"
	CallStateEstablished CallState = "established"
	CallStateHold        CallState = "hold"
	CallStateUnhold      CallState = "unhold"
	CallStateTerminated  CallState = "terminated"
)

// CallStateChangeNotification reports a transition of the call state.
type CallStateChangeNotification struct {
	ID           string    `json:"id"`
	CallID       string    `json:"callId"`
	CurrentState CallState `json:"currentState"`
}

func (n *CallStateChangeNotification) Type() string { return TypeCallStateChange }
func (n *CallStateChangeNotification) notification() {}

func (n *CallStateChangeNotification) Validate() error {
	if n.CallID == "" {
		return fmt.Errorf("%w: call state change has no call id", ErrMalformed)
	}
	switch n.CurrentState {
	case CallStateIncoming, CallStateEstablished, CallStateHold, CallStateUnhold, CallStateTerminated:
	default:
		return fmt.Errorf("%w: unknown call state %q", ErrMalformed, n.CurrentState)
	}
	return nil
}

// RosterParticipant is one entry of a roster update.
type RosterParticipant struct {
	Identity     string `json:"identity"`
	MediaType    string `json:"mediaType,omitempty"`
	MediaStreams int    `json:"mediaStreams,omitempty"`
	Direction    string `json:"mediaStreamDirection,omitempty"`
}

// RosterUpdateNotification carries the current participant roster.
type RosterUpdateNotification struct {
	ID           string              `json:"id"`
	CallID       string              `json:"callId"`
	Participants []RosterParticipant `json:"participants"`
}

func (n *RosterUpdateNotification) Type() string { return TypeRosterUpdate }
func (n *RosterUpdateNotification) notification() {}

func (n *RosterUpdateNotification) Validate() error {
	if n.CallID == "" {
		return fmt.Errorf("%w: roster update has no call id", ErrMalformed)
	}
	for i, p := range n.Participants {
		if p.Identity == "" {
			return fmt.Errorf("%w: roster participant %d has no identity", ErrMalformed, i)
		}
	}
	return nil
}

// UnrecognizedNotification holds a notification whose type tag is not
// understood. It is never valid.
type UnrecognizedNotification struct {
	Tag string
	Raw json.RawMessage
}

func (n *UnrecognizedNotification) Type() string { return n.Tag }
func (n *UnrecognizedNotification) notification() {}

func (n *UnrecognizedNotification) Validate() error {
	return fmt.Errorf("%w: unrecognized notification type %q", ErrMalformed, n.Tag)
}

// DecodeNotification decodes a notification by its "type" tag. Unknown tags
// produce an UnrecognizedNotification rather than an error so the caller can
// report the protocol violation against its call leg.
func DecodeNotification(data []byte) (Notification, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding notification: %w", err)
	}

	var n Notification
	switch head.Type {
	case TypeCallStateChange:
		n = &CallStateChangeNotification{}
	case TypeRosterUpdate:
		n = &RosterUpdateNotification{}
	default:
		return &UnrecognizedNotification{Tag: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("decoding %s notification: %w", head.Type, err)
	}
	return n, nil
}

// NotificationEnvelope is the body the platform posts to the notification
// callback. AppState carries the call leg id set in the workflow.
type NotificationEnvelope struct {
	ID           string          `json:"id"`
	AppState     string          `json:"appState"`
	Notification json.RawMessage `json:"notification"`
}
