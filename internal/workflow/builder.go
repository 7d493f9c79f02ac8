package workflow

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// DefaultSubscriptions are the notification types every baseline workflow
// subscribes to.
var DefaultSubscriptions = []NotificationType{NotificationCallStateChange}

// Builder seeds workflows with the bot's callback links.
type Builder struct {
	callbackURL     string
	notificationURL string
}

// NewBuilder creates a Builder. callbackURL receives conversation results;
// notificationURL receives notifications and may be empty.
func NewBuilder(callbackURL, notificationURL string) (*Builder, error) {
	if err := validateLink("callback", callbackURL, true); err != nil {
		return nil, err
	}
	if err := validateLink("notification", notificationURL, false); err != nil {
		return nil, err
	}
	return &Builder{callbackURL: callbackURL, notificationURL: notificationURL}, nil
}

// Build returns the baseline workflow for a call leg: callback links,
// default subscriptions, no actions, and appState as the application state.
func (b *Builder) Build(appState string) *Workflow {
	w := &Workflow{
		Links: CallbackLinks{
			Callback:     b.callbackURL,
			Notification: b.notificationURL,
		},
		Actions:  []Action{},
		AppState: appState,
	}
	w.Subscribe(DefaultSubscriptions...)
	return w
}

// NewOperationID returns a fresh identifier for a single action attempt.
func NewOperationID() string {
	return uuid.NewString()
}

// validateLink checks that raw is an absolute http(s) URL. Empty values are
// accepted unless required is set.
func validateLink(name, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%w: %s link is empty", ErrValidation, name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s link: %v", ErrValidation, name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s link must be http or https, got %q", ErrValidation, name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s link has no host", ErrValidation, name)
	}
	return nil
}
