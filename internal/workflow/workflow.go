package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrValidation is returned when a workflow or a payload attached to it
// fails validation before being sent to the calling platform.
var ErrValidation = errors.New("workflow validation failed")

// NotificationType names a class of notification the platform can deliver
// to the notification callback.
type NotificationType string

const (
	NotificationCallStateChange NotificationType = "callStateChange"
	NotificationRosterUpdate    NotificationType = "rosterUpdate"
)

// Known reports whether t is a notification type the platform understands.
func (t NotificationType) Known() bool {
	switch t {
	case NotificationCallStateChange, NotificationRosterUpdate:
		return true
	}
	return false
}

// CallbackLinks are the URLs the platform posts outcomes and notifications to.
type CallbackLinks struct {
	Callback     string `json:"callback"`
	Notification string `json:"notification,omitempty"`
}

// Workflow is the declarative document returned to the platform in response
// to an inbound event, or posted to it when placing a call.
type Workflow struct {
	Links                     CallbackLinks      `json:"links"`
	Actions                   []Action           `json:"actions"`
	NotificationSubscriptions []NotificationType `json:"notificationSubscriptions,omitempty"`
	AppState                  string             `json:"appState"`
}

// AddAction appends an action to the workflow.
func (w *Workflow) AddAction(a Action) {
	w.Actions = append(w.Actions, a)
}

// Subscribe adds notification types to the workflow, skipping duplicates.
func (w *Workflow) Subscribe(types ...NotificationType) {
	for _, t := range types {
		dup := false
		for _, existing := range w.NotificationSubscriptions {
			if existing == t {
				dup = true
				break
			}
		}
		if !dup {
			w.NotificationSubscriptions = append(w.NotificationSubscriptions, t)
		}
	}
}

// Validate checks the workflow before it is serialized. When expectEmptyActions
// is set the workflow must carry no actions (the platform is only acknowledging
// an outcome); otherwise at least one action is required.
func (w *Workflow) Validate(expectEmptyActions bool) error {
	if err := validateLink("callback", w.Links.Callback, true); err != nil {
		return err
	}
	if err := validateLink("notification", w.Links.Notification, false); err != nil {
		return err
	}
	if w.AppState == "" {
		return fmt.Errorf("%w: app state is empty", ErrValidation)
	}

	if expectEmptyActions {
		if len(w.Actions) != 0 {
			return fmt.Errorf("%w: expected no actions, got %d", ErrValidation, len(w.Actions))
		}
	} else if len(w.Actions) == 0 {
		return fmt.Errorf("%w: workflow has no actions", ErrValidation)
	}

	for i, a := range w.Actions {
		if a == nil {
			return fmt.Errorf("%w: action %d is nil", ErrValidation, i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.ActionName(), err)
		}
	}

	for _, t := range w.NotificationSubscriptions {
		if !t.Known() {
			return fmt.Errorf("%w: unknown notification subscription %q", ErrValidation, t)
		}
	}
	return nil
}

// UnmarshalJSON decodes the workflow, resolving each action by its "action" tag.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	var raw struct {
		Links                     CallbackLinks      `json:"links"`
		Actions                   []json.RawMessage  `json:"actions"`
		NotificationSubscriptions []NotificationType `json:"notificationSubscriptions"`
		AppState                  string             `json:"appState"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	actions := make([]Action, 0, len(raw.Actions))
	for i, msg := range raw.Actions {
		a, err := decodeAction(msg)
		if err != nil {
			return fmt.Errorf("decoding action %d: %w", i, err)
		}
		actions = append(actions, a)
	}

	w.Links = raw.Links
	w.Actions = actions
	w.NotificationSubscriptions = raw.NotificationSubscriptions
	w.AppState = raw.AppState
	return nil
}
