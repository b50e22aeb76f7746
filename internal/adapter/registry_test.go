package adapter_test

import (
	"testing"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/adaptertest"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()
	reg := adapter.NewRegistry()
	fake := &adaptertest.FakeAdapter{Channel: "Telegram"}

	if err := reg.Register(fake); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(fake); err == nil {
		t.Fatalf("duplicate registration accepted")
	}

	// Channel types are normalized case-insensitively.
	if _, ok := reg.Get("telegram"); !ok {
		t.Fatalf("lowercase lookup failed")
	}
	if _, ok := reg.Get("TELEGRAM"); !ok {
		t.Fatalf("uppercase lookup failed")
	}
	if _, ok := reg.Get("discord"); ok {
		t.Fatalf("unknown channel resolved")
	}
}

func TestRegistryCapabilityProbes(t *testing.T) {
	t.Parallel()
	reg := adapter.NewRegistry()
	reg.MustRegister(&adaptertest.FakeAdapter{Channel: "fake"})

	if _, ok := reg.GetSender("fake"); !ok {
		t.Fatalf("sender probe failed")
	}
	if _, ok := reg.GetEditor("fake"); !ok {
		t.Fatalf("editor probe failed")
	}
	if _, ok := reg.GetVerifier("fake"); !ok {
		t.Fatalf("verifier probe failed")
	}
	if _, ok := reg.GetMentionParser("fake"); ok {
		t.Fatalf("fake does not implement MentionParser")
	}
	if specs := reg.ListenerSpecs("fake"); specs != nil {
		t.Fatalf("fake declares no listeners, got %v", specs)
	}

	caps, ok := reg.GetCapabilities("fake")
	if !ok || !caps.Has(adapter.CapText) {
		t.Fatalf("capability set missing text: %v", caps)
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()
	reg := adapter.NewRegistry()
	reg.MustRegister(&adaptertest.FakeAdapter{Channel: "fake"})

	if !reg.Unregister("fake") {
		t.Fatalf("unregister returned false")
	}
	if reg.Unregister("fake") {
		t.Fatalf("second unregister returned true")
	}
	if got := len(reg.Types()); got != 0 {
		t.Fatalf("expected empty registry, got %d types", got)
	}
}
