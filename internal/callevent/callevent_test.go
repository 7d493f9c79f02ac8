package callevent

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeNotification_CallStateChange(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"type":"callStateChange","id":"n-1","callId":"call-1","currentState":"established"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	csc, ok := n.(*CallStateChangeNotification)
	if !ok {
		t.Fatalf("got %T, want *CallStateChangeNotification", n)
	}
	if csc.CurrentState != CallStateEstablished {
		t.Errorf("CurrentState = %q, want %q", csc.CurrentState, CallStateEstablished)
	}
	if err := n.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDecodeNotification_RosterUpdate(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"type":"rosterUpdate","callId":"call-1","participants":[{"identity":"8:orgid:a"},{"identity":""}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Type() != TypeRosterUpdate {
		t.Errorf("Type() = %q, want %q", n.Type(), TypeRosterUpdate)
	}
	if err := n.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate: err = %v, want ErrMalformed", err)
	}
}

func TestDecodeNotification_Unrecognized(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"type":"dtmfReceived","callId":"call-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, ok := n.(*UnrecognizedNotification)
	if !ok {
		t.Fatalf("got %T, want *UnrecognizedNotification", n)
	}
	if u.Type() != "dtmfReceived" {
		t.Errorf("Type() = %q, want %q", u.Type(), "dtmfReceived")
	}
	if err := n.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate: err = %v, want ErrMalformed", err)
	}
}

func TestDecodeNotification_BadJSON(t *testing.T) {
	if _, err := DecodeNotification([]byte(`{`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
}

func TestCallStateChange_Validate(t *testing.T) {
	n := &CallStateChangeNotification{CallID: "call-1", CurrentState: "ringing"}
	if err := n.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown state: err = %v, want ErrMalformed", err)
	}
	n = &CallStateChangeNotification{CurrentState: CallStateTerminated}
	if err := n.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing call id: err = %v, want ErrMalformed", err)
	}
}

func TestConversationResult_Decode(t *testing.T) {
	body := `{
		"id": "conv-1",
		"appState": "leg-1",
		"operationOutcome": {
			"type": "answerAppHostedMediaOutcome",
			"id": "op-1",
			"outcome": "success",
			"links": {"subscriptions": "https://x/sub", "call": "https://x/call"}
		}
	}`

	var res ConversationResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.AppState != "leg-1" {
		t.Errorf("AppState = %q, want %q", res.AppState, "leg-1")
	}
	answer, ok := res.Outcome.(*AnswerAppHostedMediaOutcome)
	if !ok {
		t.Fatalf("Outcome is %T, want *AnswerAppHostedMediaOutcome", res.Outcome)
	}
	if !answer.Succeeded() {
		t.Error("expected success outcome")
	}
	if got := answer.Link(LinkSubscriptions); got == nil || got.String() != "https://x/sub" {
		t.Errorf("subscriptions link = %v, want https://x/sub", got)
	}
	if got := answer.Link("missing"); got != nil {
		t.Errorf("missing link = %v, want nil", got)
	}
	if err := res.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConversationResult_RoundTripKeepsTag(t *testing.T) {
	res := &ConversationResult{
		ID:       "conv-1",
		AppState: "leg-1",
		Outcome: &JoinCallAppHostedMediaOutcome{OutcomeBase: OutcomeBase{
			ID:            "op-1",
			Status:        OutcomeFailure,
			FailureReason: "meeting ended",
		}},
	}
	body, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ConversationResult
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	join, ok := decoded.Outcome.(*JoinCallAppHostedMediaOutcome)
	if !ok {
		t.Fatalf("Outcome is %T, want *JoinCallAppHostedMediaOutcome", decoded.Outcome)
	}
	if join.FailureReason != "meeting ended" {
		t.Errorf("FailureReason = %q, want %q", join.FailureReason, "meeting ended")
	}
}

func TestConversationResult_ValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		res  ConversationResult
	}{
		{"no app state", ConversationResult{Outcome: &WorkflowValidationOutcome{OutcomeBase{Status: OutcomeFailure}}}},
		{"no outcome", ConversationResult{AppState: "leg-1"}},
		{"bad status", ConversationResult{AppState: "leg-1", Outcome: &AnswerAppHostedMediaOutcome{OutcomeBase{Status: "maybe"}}}},
		{"relative link", ConversationResult{AppState: "leg-1", Outcome: &AnswerAppHostedMediaOutcome{OutcomeBase{
			Status: OutcomeSuccess,
			Links:  map[string]string{LinkCall: "/call"},
		}}}},
		{"unrecognized", ConversationResult{AppState: "leg-1", Outcome: &UnrecognizedOutcome{Tag: "transferOutcome"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.res.Validate(); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestConversation_Validate(t *testing.T) {
	c := Conversation{
		ID: "conv-1",
		Participants: []Participant{
			{Identity: "8:orgid:caller", Originator: true},
			{Identity: "28:bot"},
		},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o := c.Originator(); o == nil || o.Identity != "8:orgid:caller" {
		t.Errorf("Originator = %v, want 8:orgid:caller", o)
	}

	c.Participants = nil
	if err := c.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}
