package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/mediabot/internal/agent"
	"github.com/flowpbx/mediabot/internal/auth"
	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/callleg"
	"github.com/flowpbx/mediabot/internal/journal"
	"github.com/flowpbx/mediabot/internal/media"
	"github.com/flowpbx/mediabot/internal/platform"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// mockClient implements callleg.PlatformClient for testing.
type mockClient struct {
	mu         sync.Mutex
	placed     int
	subscribed []string
	ended      []string
	err        error
}

func (m *mockClient) PlaceCall(context.Context, string, any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed++
	return m.err
}

func (m *mockClient) Subscribe(_ context.Context, _ string, link *url.URL, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, link.String())
	return m.err
}

func (m *mockClient) EndCall(_ context.Context, _ string, link *url.URL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, link.String())
	return m.err
}

// mockHistory implements EventHistory for testing.
type mockHistory struct {
	entries []journal.Entry
}

func (m *mockHistory) ListByLeg(_ context.Context, legID string) ([]journal.Entry, error) {
	var out []journal.Entry
	for _, e := range m.entries {
		if e.CallLegID == legID {
			out = append(out, e)
		}
	}
	return out, nil
}

type testEnv struct {
	srv      *Server
	registry *Registry
	client   *mockClient
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	builder, err := workflow.NewBuilder("https://bot.example.com/v1/calls/callback", "https://bot.example.com/v1/calls/notification")
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	session, err := media.NewStaticSession(media.Configuration{
		AudioSocket: &media.SocketConfig{SocketID: 0, Direction: "sendrecv"},
	})
	if err != nil {
		t.Fatalf("NewStaticSession: %v", err)
	}

	registry := NewRegistry()
	client := &mockClient{}
	cfg := Config{
		Builder:     builder,
		Client:      client,
		Handlers:    agent.New(session, registry, nil).Handlers(),
		JoinSession: session,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	t.Cleanup(registry.Shutdown)
	return &testEnv{srv: NewServer(registry, cfg), registry: registry, client: client}
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

const conversationBody = `{"id":"conv-1","participants":[{"identity":"8:alice","originator":true}],"unknownField":true}`

// incoming posts a conversation and returns the app state of the answer workflow.
func (e *testEnv) incoming(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/calls/incoming", conversationBody)
	if w.Code != http.StatusOK {
		t.Fatalf("incoming: status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	var wf workflow.Workflow
	if err := json.NewDecoder(w.Body).Decode(&wf); err != nil {
		t.Fatalf("decoding workflow: %v", err)
	}
	return wf.AppState
}

func answerSuccessBody(appState string) string {
	return fmt.Sprintf(`{"id":"res-1","appState":%q,"operationOutcome":{"type":"answerAppHostedMediaOutcome","id":"op-1","outcome":"success","links":{"subscriptions":"https://x/sub","call":"https://x/call"}}}`, appState)
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp envelope
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.Error
}

func TestHandleIncoming_Answers(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/v1/calls/incoming", conversationBody, platform.HeaderChainID, "chain-1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var wf workflow.Workflow
	if err := json.NewDecoder(w.Body).Decode(&wf); err != nil {
		t.Fatalf("decoding workflow: %v", err)
	}
	if len(wf.Actions) != 1 {
		t.Fatalf("len(Actions) = %d, want 1", len(wf.Actions))
	}
	if _, ok := wf.Actions[0].(*workflow.AnswerAppHostedMedia); !ok {
		t.Errorf("Actions[0] = %T, want *workflow.AnswerAppHostedMedia", wf.Actions[0])
	}

	c, ok := env.registry.Get(wf.AppState)
	if !ok {
		t.Fatalf("leg %q not registered", wf.AppState)
	}
	if c.CorrelationID() != "chain-1" {
		t.Errorf("CorrelationID = %q, want %q", c.CorrelationID(), "chain-1")
	}
}

func TestHandleIncoming_NoHandler(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Handlers = callleg.Handlers{} })

	w := env.do(http.MethodPost, "/v1/calls/incoming", conversationBody)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if n := env.registry.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}

func TestHandleIncoming_Malformed(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"no participants", `{"id":"conv-1","participants":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/v1/calls/incoming", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
	if n := env.registry.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}

func TestCallbackThenOutboundOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)

	w := env.do(http.MethodPost, "/v1/calls/callback", answerSuccessBody(legID))
	if w.Code != http.StatusOK {
		t.Fatalf("callback: status = %d, body = %s", w.Code, w.Body.String())
	}
	var wf workflow.Workflow
	if err := json.NewDecoder(w.Body).Decode(&wf); err != nil {
		t.Fatalf("decoding workflow: %v", err)
	}
	if len(wf.Actions) != 0 {
		t.Errorf("len(Actions) = %d, want 0", len(wf.Actions))
	}

	sub := `{"participantIdentity":"8:alice","socketId":1,"videoModality":"video","videoResolution":"hd720p"}`
	w = env.do(http.MethodPut, "/v1/calls/"+legID+"/subscription", sub)
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodDelete, "/v1/calls/"+legID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("end call: status = %d, body = %s", w.Code, w.Body.String())
	}

	if len(env.client.subscribed) != 1 || env.client.subscribed[0] != "https://x/sub" {
		t.Errorf("subscribed = %v, want [https://x/sub]", env.client.subscribed)
	}
	if len(env.client.ended) != 1 || env.client.ended[0] != "https://x/call" {
		t.Errorf("ended = %v, want [https://x/call]", env.client.ended)
	}
}

func TestLegErrors_FixedMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)
	if w := env.do(http.MethodPost, "/v1/calls/callback", answerSuccessBody(legID)); w.Code != http.StatusOK {
		t.Fatalf("callback: status = %d, body = %s", w.Code, w.Body.String())
	}

	env.client.mu.Lock()
	env.client.err = &platform.StatusError{Method: http.MethodDelete, URL: "https://x/call", StatusCode: http.StatusServiceUnavailable, Body: "edge-7 overloaded"}
	env.client.mu.Unlock()

	w := env.do(http.MethodDelete, "/v1/calls/"+legID, "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	msg := errorMessage(t, w)
	if msg != "calling platform request failed" {
		t.Errorf("error = %q, want %q", msg, "calling platform request failed")
	}
	for _, leak := range []string{"https://x/call", "edge-7"} {
		if strings.Contains(msg, leak) {
			t.Errorf("error %q exposes %q", msg, leak)
		}
	}
}

func TestMessageFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: call leg leg-1: %w", callleg.ErrProtocolViolation, callevent.ErrMalformed), "protocol violation on call leg leg-1"},
		{fmt.Errorf("x: %w", callevent.ErrMalformed), "malformed payload"},
		{fmt.Errorf("x: %w", workflow.ErrValidation), "invalid workflow"},
		{fmt.Errorf("x: %w", callleg.ErrPreconditionNotMet), "call leg leg-1 is not established"},
		{fmt.Errorf("x: %w", platform.ErrTransport), "calling platform request failed"},
		{fmt.Errorf("answer_succeeded handler: db password wrong: %w", callleg.ErrMissingHandler), "internal error"},
		{errors.New("handler said https://secret"), "internal error"},
	}
	for _, tt := range tests {
		if got := messageFor(tt.err, "leg-1"); got != tt.want {
			t.Errorf("messageFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCallback_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown leg", answerSuccessBody("no-such-leg"), http.StatusNotFound},
		{"no app state", answerSuccessBody(""), http.StatusBadRequest},
		{"unknown outcome", fmt.Sprintf(`{"appState":%q,"operationOutcome":{"type":"recordOutcome","outcome":"success"}}`, legID), http.StatusBadRequest},
		{"bad status", fmt.Sprintf(`{"appState":%q,"operationOutcome":{"type":"answerAppHostedMediaOutcome","outcome":"maybe"}}`, legID), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/v1/calls/callback", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCallback_MissingHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)

	// Swap in a leg with no outcome handlers under the same id.
	c, _ := env.registry.Get(legID)
	c.Watchdog().Cancel()
	bare, err := callleg.New(callleg.Config{
		CallLegID:     legID,
		CorrelationID: "corr",
		Builder:       env.srv.cfg.Builder,
	}, env.client, callleg.Handlers{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.registry.Add(bare)

	w := env.do(http.MethodPost, "/v1/calls/callback", answerSuccessBody(legID))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestNotification(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)

	w := env.do(http.MethodPost, "/v1/calls/notification",
		fmt.Sprintf(`{"id":"n-1","appState":%q,"notification":{"type":"dtmf","tone":"1"}}`, legID))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, legID) {
		t.Errorf("error %q does not name the call leg", msg)
	}

	w = env.do(http.MethodPost, "/v1/calls/notification",
		fmt.Sprintf(`{"id":"n-2","appState":%q,"notification":{"type":"callStateChange","callId":"call-1","currentState":"terminated"}}`, legID))
	if w.Code != http.StatusAccepted {
		t.Fatalf("call state change: status = %d, want %d, body = %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if _, ok := env.registry.Get(legID); ok {
		t.Error("terminated leg still registered")
	}

	w = env.do(http.MethodPost, "/v1/calls/notification",
		fmt.Sprintf(`{"id":"n-3","appState":%q,"notification":{"type":"rosterUpdate","callId":"call-1"}}`, legID))
	if w.Code != http.StatusNotFound {
		t.Errorf("after removal: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestOutboundBeforeEstablished(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)

	w := env.do(http.MethodDelete, "/v1/calls/"+legID, "")
	if w.Code != http.StatusConflict {
		t.Errorf("end call: status = %d, want %d", w.Code, http.StatusConflict)
	}

	sub := `{"participantIdentity":"8:alice","socketId":1,"videoModality":"video","videoResolution":"hd720p"}`
	w = env.do(http.MethodPut, "/v1/calls/"+legID+"/subscription", sub)
	if w.Code != http.StatusConflict {
		t.Errorf("subscribe: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = env.do(http.MethodDelete, "/v1/calls/unknown", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown leg: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleJoin(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/v1/calls/join", `{"join_token":"tok","display_name":"bot"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data struct {
			CallLegID string `json:"call_leg_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := env.registry.Get(resp.Data.CallLegID); !ok {
		t.Errorf("joined leg %q not registered", resp.Data.CallLegID)
	}
	if env.client.placed != 1 {
		t.Errorf("placed = %d, want 1", env.client.placed)
	}
}

func TestHandleJoin_Errors(t *testing.T) {
	transport := newTestEnv(t, nil)
	transport.client.err = fmt.Errorf("%w: connection refused", platform.ErrTransport)
	w := transport.do(http.MethodPost, "/v1/calls/join", `{"join_token":"tok"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("transport error: status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if n := transport.registry.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d after failed join, want 0", n)
	}

	env := newTestEnv(t, nil)
	w = env.do(http.MethodPost, "/v1/calls/join", `{"display_name":"bot"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no token: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	w = env.do(http.MethodPost, "/v1/calls/join", `{"join_token":"tok","extra":1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	noSession := newTestEnv(t, func(cfg *Config) { cfg.JoinSession = nil })
	w = noSession.do(http.MethodPost, "/v1/calls/join", `{"join_token":"tok"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("no session: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleCleanup(t *testing.T) {
	env := newTestEnv(t, nil)
	legID := env.incoming(t)
	c, _ := env.registry.Get(legID)

	w := env.do(http.MethodPost, "/v1/calls/"+legID+"/cleanup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := env.registry.Get(legID); ok {
		t.Error("leg still registered after cleanup")
	}
	if !c.Watchdog().Cancelled() {
		t.Error("watchdog still armed after cleanup")
	}
}

func TestWatchdogExpiryRemovesLeg(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Expiry = 10 * time.Millisecond })
	legID := env.incoming(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := env.registry.Get(legID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expired leg still registered")
}

func TestHandleEvents(t *testing.T) {
	history := &mockHistory{entries: []journal.Entry{
		{ID: 1, CallLegID: "leg-1", Event: callleg.EventIncomingCall, Status: "ok"},
		{ID: 2, CallLegID: "leg-2", Event: callleg.EventIncomingCall, Status: "ok"},
	}}
	env := newTestEnv(t, func(cfg *Config) { cfg.History = history })

	w := env.do(http.MethodGet, "/v1/calls/leg-1/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data []journal.Entry `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != 1 {
		t.Errorf("entries = %+v, want only leg-1", resp.Data)
	}

	noJournal := newTestEnv(t, nil)
	if w := noJournal.do(http.MethodGet, "/v1/calls/leg-1/events", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no journal: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestCallbackAuth(t *testing.T) {
	secret := []byte("callback-secret")
	env := newTestEnv(t, func(cfg *Config) {
		cfg.CallbackSecret = secret
		cfg.CallbackAudience = "bot-1"
	})

	w := env.do(http.MethodPost, "/v1/calls/incoming", conversationBody)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	token, err := auth.GenerateCallbackToken(secret, "platform", "bot-1")
	if err != nil {
		t.Fatalf("GenerateCallbackToken: %v", err)
	}
	w = env.do(http.MethodPost, "/v1/calls/incoming", conversationBody, "Authorization", "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want %d", w.Code, http.StatusOK)
	}

	// Health stays open.
	if w := env.do(http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:          rate.Limit(0.001),
		Burst:         1,
		SweepInterval: time.Minute,
		IdleAfter:     time.Minute,
	}, nil)
	env := newTestEnv(t, func(cfg *Config) { cfg.RateLimiter = rl })

	if w := env.do(http.MethodPost, "/v1/calls/incoming", conversationBody); w.Code != http.StatusOK {
		t.Fatalf("first: status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := env.do(http.MethodPost, "/v1/calls/incoming", conversationBody); w.Code != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", callleg.ErrProtocolViolation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", workflow.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", callleg.ErrPreconditionNotMet), http.StatusConflict},
		{fmt.Errorf("x: %w", platform.ErrTransport), http.StatusBadGateway},
		{fmt.Errorf("x: %w", callleg.ErrMissingHandler), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
