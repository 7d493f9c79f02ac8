package callback

import (
	"testing"

	"github.com/flowpbx/mediabot/internal/callleg"
	"github.com/flowpbx/mediabot/internal/workflow"
)

func newRegistryLeg(t *testing.T, id string) *callleg.Controller {
	t.Helper()
	builder, err := workflow.NewBuilder("https://bot.example.com/v1/calls/callback", "")
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	c, err := callleg.New(callleg.Config{
		CallLegID:     id,
		CorrelationID: "corr-" + id,
		Builder:       builder,
	}, &mockClient{}, callleg.Handlers{})
	if err != nil {
		t.Fatalf("callleg.New: %v", err)
	}
	t.Cleanup(func() { c.Watchdog().Cancel() })
	return c
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	r.Add(newRegistryLeg(t, "leg-a"))
	r.Add(newRegistryLeg(t, "leg-b"))

	if got := r.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
	c, ok := r.Get("leg-a")
	if !ok || c.CallLegID() != "leg-a" {
		t.Fatalf("Get(leg-a) = %v, %v", c, ok)
	}

	if !r.Remove("leg-a") {
		t.Error("Remove(leg-a) = false, want true")
	}
	if r.Remove("leg-a") {
		t.Error("second Remove(leg-a) = true, want false")
	}
	if _, ok := r.Get("leg-a"); ok {
		t.Error("leg-a still registered after Remove")
	}

	if got := r.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	if got := r.CreatedTotal(); got != 2 {
		t.Errorf("CreatedTotal() = %d, want 2", got)
	}
}

func TestRegistry_ShutdownCancelsWatchdogs(t *testing.T) {
	r := NewRegistry()
	c := newRegistryLeg(t, "leg-a")
	r.Add(c)

	r.Shutdown()

	if !c.Watchdog().Cancelled() {
		t.Error("watchdog not cancelled by Shutdown")
	}
	if got := r.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
	if got := r.CreatedTotal(); got != 1 {
		t.Errorf("CreatedTotal() = %d, want 1 after Shutdown", got)
	}
}
