package callleg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/media"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// cleanupTimeout bounds a watchdog-triggered cleanup.
const cleanupTimeout = 30 * time.Second

// PlatformClient sends outbound call operations to the calling platform.
// Implemented by platform.Client.
type PlatformClient interface {
	PlaceCall(ctx context.Context, chainID string, workflow any) error
	Subscribe(ctx context.Context, chainID string, link *url.URL, subscription any) error
	EndCall(ctx context.Context, chainID string, link *url.URL) error
}

// EventLogEntry is one processed call leg event.
type EventLogEntry struct {
	CallLegID     string
	CorrelationID string
	Event         EventKind
	Status        string // "ok", "error", or the outcome status
	Detail        string
	Timestamp     time.Time
}

// EventLog records processed events for audit. Write failures never fail
// the call.
type EventLog interface {
	Log(ctx context.Context, entry EventLogEntry) error
}

// Config identifies the call leg and supplies its workflow builder.
type Config struct {
	CallLegID     string
	CorrelationID string
	Builder       *workflow.Builder
	// Expiry overrides DefaultExpiry when positive.
	Expiry time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithEventLog records every processed event to log.
func WithEventLog(log EventLog) Option {
	return func(c *Controller) { c.eventLog = log }
}

// Controller owns one call leg: its identity, the links the platform hands
// back on establishment, the current media session, and the expiry watchdog.
// Events for a leg are processed one at a time.
type Controller struct {
	legID         string
	correlationID string
	builder       *workflow.Builder
	client        PlatformClient
	handlers      Handlers
	eventLog      EventLog
	logger        *slog.Logger
	watchdog      *Watchdog

	// eventMu serializes inbound event processing, local cleanup and
	// watchdog expiry. Handlers run while it is held.
	eventMu sync.Mutex

	// mu guards the fields below, which outbound operations and accessors
	// read concurrently with event processing.
	mu               sync.Mutex
	subscriptionLink *url.URL
	callLink         *url.URL
	session          media.Session
	established      bool
	cleanedUp        bool
}

// eventLockKey marks a context handed to a handler while eventMu is held.
type eventLockKey struct{}

// lockEvents takes eventMu, unless ctx came from a handler this controller
// is running: the lock is then already held by the caller's own event.
func (c *Controller) lockEvents(ctx context.Context) (context.Context, func()) {
	if held, _ := ctx.Value(eventLockKey{}).(*Controller); held == c {
		return ctx, func() {}
	}
	c.eventMu.Lock()
	return context.WithValue(ctx, eventLockKey{}, c), c.eventMu.Unlock
}

// New creates a controller and arms its expiry watchdog.
func New(cfg Config, client PlatformClient, handlers Handlers, opts ...Option) (*Controller, error) {
	if cfg.CallLegID == "" {
		return nil, errors.New("callleg: call leg id is required")
	}
	if cfg.CorrelationID == "" {
		return nil, errors.New("callleg: correlation id is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("callleg: workflow builder is required")
	}
	if client == nil {
		return nil, errors.New("callleg: platform client is required")
	}

	c := &Controller{
		legID:         cfg.CallLegID,
		correlationID: cfg.CorrelationID,
		builder:       cfg.Builder,
		client:        client,
		handlers:      handlers,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		"subsystem", "call_leg",
		"call_leg_id", c.legID,
		"correlation_id", c.correlationID,
	)

	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c.watchdog = NewWatchdog(expiry, c.expire)

	return c, nil
}

// CallLegID returns the leg identifier, also used as the workflow app state.
func (c *Controller) CallLegID() string { return c.legID }

// CorrelationID returns the correlation chain id sent on outbound requests.
func (c *Controller) CorrelationID() string { return c.correlationID }

// Watchdog returns the leg's expiry watchdog.
func (c *Controller) Watchdog() *Watchdog { return c.watchdog }

// MediaSession returns the current media session, or nil.
func (c *Controller) MediaSession() media.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SubscriptionLink returns the cached subscription link, or nil.
func (c *Controller) SubscriptionLink() *url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionLink
}

// CallLink returns the cached call link, or nil.
func (c *Controller) CallLink() *url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLink
}

func (c *Controller) leg() Leg {
	return Leg{CallLegID: c.legID, CorrelationID: c.correlationID}
}

// HandleIncomingCall raises the incoming-call event. It returns a nil
// workflow when no handler is registered, meaning the call should not be
// answered. Handler failures are returned, never swallowed.
func (c *Controller) HandleIncomingCall(ctx context.Context, conv *callevent.Conversation) (*workflow.Workflow, error) {
	ctx, unlock := c.lockEvents(ctx)
	defer unlock()

	if conv == nil {
		return nil, c.fail(ctx, EventIncomingCall, fmt.Errorf("%w: call leg %s: conversation is nil", ErrProtocolViolation, c.legID))
	}
	if err := conv.Validate(); err != nil {
		return nil, c.fail(ctx, EventIncomingCall, fmt.Errorf("%w: call leg %s: %w", ErrProtocolViolation, c.legID, err))
	}

	ev := &IncomingCallEvent{
		Leg:          c.leg(),
		Conversation: conv,
		Workflow:     c.builder.Build(c.legID),
	}
	ran, err := invoke(ctx, EventIncomingCall, c.handlers.IncomingCall, ev)
	if err != nil {
		return nil, c.fail(ctx, EventIncomingCall, err)
	}
	if !ran {
		c.logger.Info("no incoming call handler registered, not answering", "conversation_id", conv.ID)
		c.record(ctx, EventIncomingCall, "skipped", "no handler")
		return nil, nil
	}

	if ev.Workflow == nil {
		return nil, c.fail(ctx, EventIncomingCall, fmt.Errorf("%w: incoming call handler cleared the workflow", workflow.ErrValidation))
	}
	if err := ev.Workflow.Validate(false); err != nil {
		return nil, c.fail(ctx, EventIncomingCall, err)
	}

	if s := ev.MediaSession(); s != nil {
		c.setSession(s)
	}

	c.logger.Info("incoming call handled",
		"conversation_id", conv.ID,
		"actions", len(ev.Workflow.Actions),
		"answered", ev.MediaSession() != nil,
	)
	c.record(ctx, EventIncomingCall, "ok", conv.ID)
	return ev.Workflow, nil
}

// HandleJoinCall builds a join workflow for params, lets the optional
// join-call-requested handler edit it, and posts it to the platform.
func (c *Controller) HandleJoinCall(ctx context.Context, params JoinCallParameters) (*workflow.Workflow, error) {
	ctx, unlock := c.lockEvents(ctx)
	defer unlock()

	if params.MediaSession == nil {
		return nil, c.fail(ctx, EventJoinCallRequested, fmt.Errorf("%w: join requires a media session", workflow.ErrValidation))
	}
	if params.JoinToken == "" {
		return nil, c.fail(ctx, EventJoinCallRequested, fmt.Errorf("%w: join token is empty", workflow.ErrValidation))
	}

	cfg, err := params.MediaSession.MediaConfiguration()
	if err != nil {
		return nil, c.fail(ctx, EventJoinCallRequested, fmt.Errorf("media configuration: %w", err))
	}

	wf := c.builder.Build(c.legID)
	wf.AddAction(&workflow.JoinCallAppHostedMedia{
		OperationID:        workflow.NewOperationID(),
		JoinToken:          params.JoinToken,
		DisplayName:        params.DisplayName,
		MediaConfiguration: cfg,
	})
	wf.Subscribe(params.MediaSession.Subscriptions()...)

	ev := &JoinCallEvent{Leg: c.leg(), Params: &params, Workflow: wf}
	if _, err := invoke(ctx, EventJoinCallRequested, c.handlers.JoinCallRequested, ev); err != nil {
		return nil, c.fail(ctx, EventJoinCallRequested, err)
	}
	if ev.Workflow == nil {
		return nil, c.fail(ctx, EventJoinCallRequested, fmt.Errorf("%w: join handler cleared the workflow", workflow.ErrValidation))
	}
	if err := ev.Workflow.Validate(false); err != nil {
		return nil, c.fail(ctx, EventJoinCallRequested, err)
	}

	c.setSession(params.MediaSession)

	if err := c.client.PlaceCall(ctx, c.correlationID, ev.Workflow); err != nil {
		return nil, c.fail(ctx, EventJoinCallRequested, fmt.Errorf("placing join call: %w", err))
	}

	c.logger.Info("join call placed")
	c.record(ctx, EventJoinCallRequested, "ok", "")
	return ev.Workflow, nil
}

// Subscribe asks the platform to route a participant's video to one of the
// session's sockets. It needs the subscription link from a successful answer.
// It does not wait for event processing, so handlers may call it.
func (c *Controller) Subscribe(ctx context.Context, sub workflow.VideoSubscription) error {
	link := c.SubscriptionLink()
	if link == nil {
		err := fmt.Errorf("%w: call leg %s has no subscription link (answer outcome not received)", ErrPreconditionNotMet, c.legID)
		c.logger.Warn("subscribe rejected", "error", err)
		return err
	}
	if err := sub.Validate(); err != nil {
		c.logger.Warn("subscribe rejected", "error", err)
		return err
	}

	if err := c.client.Subscribe(ctx, c.correlationID, link, sub); err != nil {
		c.logger.Error("subscribe failed", "link", link.String(), "error", err)
		return fmt.Errorf("subscribing: %w", err)
	}
	c.logger.Info("video subscription sent", "participant", sub.ParticipantIdentity, "socket_id", sub.SocketID)
	return nil
}

// EndCall deletes the call on the platform. It does not run local cleanup.
// Like Subscribe it may be called from handlers.
func (c *Controller) EndCall(ctx context.Context) error {
	link := c.CallLink()
	if link == nil {
		err := fmt.Errorf("%w: call leg %s has no call link (call not established)", ErrPreconditionNotMet, c.legID)
		c.logger.Warn("end call rejected", "error", err)
		return err
	}

	if err := c.client.EndCall(ctx, c.correlationID, link); err != nil {
		c.logger.Error("end call failed", "link", link.String(), "error", err)
		return fmt.Errorf("ending call: %w", err)
	}
	c.logger.Info("call ended")
	return nil
}

// LocalCleanup runs the cleanup handler. It fails if none is registered.
// A handler may call it with the context it was given.
func (c *Controller) LocalCleanup(ctx context.Context) error {
	ctx, unlock := c.lockEvents(ctx)
	defer unlock()
	return c.cleanup(ctx, CleanupRequested)
}

func (c *Controller) cleanup(ctx context.Context, reason CleanupReason) error {
	ev := &CleanupEvent{Leg: c.leg(), Reason: reason}
	if _, err := invoke(ctx, EventCleanup, c.handlers.Cleanup, ev); err != nil {
		return c.fail(ctx, EventCleanup, err)
	}
	c.mu.Lock()
	c.cleanedUp = true
	c.mu.Unlock()
	c.logger.Info("local cleanup done", "reason", reason)
	c.record(ctx, EventCleanup, "ok", string(reason))
	return nil
}

// expire runs on the watchdog goroutine. The timer may fire while an
// answer or join success is queued on eventMu; once that event has
// established the leg, expiry is void. Cleanup failures are logged only:
// nobody is waiting on the result.
func (c *Controller) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	ctx, unlock := c.lockEvents(ctx)
	defer unlock()

	c.mu.Lock()
	established, cleanedUp := c.established, c.cleanedUp
	c.mu.Unlock()
	if established || cleanedUp {
		c.logger.Info("expiry superseded, no cleanup", "established", established, "cleaned_up", cleanedUp)
		c.record(ctx, EventCleanup, "skipped", "expired after establishment or cleanup")
		return
	}

	c.logger.Warn("call leg expired before establishment, cleaning up")
	if err := c.cleanup(ctx, CleanupExpired); err != nil {
		c.logger.Error("cleanup after expiry failed", "error", err)
	}
}

func (c *Controller) setSession(s media.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// fail logs err with the event context, journals it, and returns it.
func (c *Controller) fail(ctx context.Context, kind EventKind, err error) error {
	c.logger.Error("call leg event failed", "event", kind, "error", err)
	c.record(ctx, kind, "error", err.Error())
	return err
}

func (c *Controller) record(ctx context.Context, kind EventKind, status, detail string) {
	if c.eventLog == nil {
		return
	}
	entry := EventLogEntry{
		CallLegID:     c.legID,
		CorrelationID: c.correlationID,
		Event:         kind,
		Status:        status,
		Detail:        detail,
		Timestamp:     time.Now(),
	}
	if err := c.eventLog.Log(ctx, entry); err != nil {
		c.logger.Error("failed to write call event log", "event", kind, "error", err)
	}
}
