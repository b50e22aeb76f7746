package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/adaptertest"
	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/supervisor"
)

// listenerAdapter is a fake adapter with one supervised listener that
// counts its starts.
type listenerAdapter struct {
	adaptertest.FakeAdapter
	starts atomic.Int64
}

func (a *listenerAdapter) ListenerChildSpecs() []adapter.ListenerSpec {
	return []adapter.ListenerSpec{{
		Name: "poller",
		Run: func(ctx context.Context) error {
			a.starts.Add(1)
			<-ctx.Done()
			return nil
		},
	}}
}

type fixture struct {
	fake    *listenerAdapter
	configs *configstore.ConfigStore
	bus     *signal.Bus
	manager *Manager
	sup     *supervisor.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := &listenerAdapter{FakeAdapter: adaptertest.FakeAdapter{Channel: "fake"}}
	reg := adapter.NewRegistry()
	reg.MustRegister(fake)
	bus := signal.NewBus(16, nil)
	configs := configstore.New(bus)
	t.Cleanup(configs.Close)

	sup := supervisor.New("bridge-test", nil)
	mgr := NewManager(ManagerOptions{
		Configs:  configs,
		Registry: reg,
		Sup:      sup,
		Bus:      bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sup.Run(ctx) }()

	return &fixture{fake: fake, configs: configs, bus: bus, manager: mgr, sup: sup}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func putBridge(t *testing.T, f *fixture, cfg configstore.BridgeConfig) configstore.BridgeConfig {
	t.Helper()
	saved, err := f.configs.PutBridge(context.Background(), cfg)
	if err != nil {
		t.Fatalf("put bridge: %v", err)
	}
	return saved
}

func TestReconcileStartsAndStopsWorkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	saved := putBridge(t, f, configstore.BridgeConfig{ID: "bridge_tg", AdapterModule: "fake", Enabled: true})

	f.manager.Reconcile(ctx)
	waitFor(t, "listener start", func() bool { return f.fake.starts.Load() == 1 })

	w, ok := f.manager.Worker("bridge_tg")
	if !ok {
		t.Fatalf("worker not tracked")
	}
	waitFor(t, "listener count", func() bool { return w.health().ListenerCount == 1 })

	// Disabling the bridge stops its worker on the next reconcile.
	saved.Enabled = false
	putBridge(t, f, saved)
	f.manager.Reconcile(ctx)
	if _, ok := f.manager.Worker("bridge_tg"); ok {
		t.Fatalf("worker survived disable")
	}

	health := f.manager.Health()
	if len(health) != 1 || health[0].Enabled || health[0].BridgeID != "bridge_tg" {
		t.Fatalf("health after disable: %+v", health)
	}
}

func TestCredentialChangeRestartsWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	saved := putBridge(t, f, configstore.BridgeConfig{
		ID:            "bridge_tg",
		AdapterModule: "fake",
		Credentials:   map[string]any{"token": "old"},
		Enabled:       true,
	})

	f.manager.Reconcile(ctx)
	waitFor(t, "first start", func() bool { return f.fake.starts.Load() == 1 })

	saved.Credentials = map[string]any{"token": "new"}
	saved = putBridge(t, f, saved)
	f.manager.Reconcile(ctx)
	waitFor(t, "restart on credential change", func() bool { return f.fake.starts.Load() == 2 })

	// A revision-only change is absorbed without a restart.
	rev := saved.Revision
	saved = putBridge(t, f, saved)
	if saved.Revision == rev {
		t.Fatalf("revision did not advance")
	}
	f.manager.Reconcile(ctx)
	time.Sleep(20 * time.Millisecond)
	if got := f.fake.starts.Load(); got != 2 {
		t.Fatalf("revision bump restarted worker: %d starts", got)
	}

	w, _ := f.manager.Worker("bridge_tg")
	if w.health().Revision != saved.Revision {
		t.Fatalf("worker did not absorb new revision")
	}
}

func TestRunReconcilesOnConfigChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.manager.Run(runCtx) }()

	// Give Run a moment to subscribe before publishing the change.
	time.Sleep(10 * time.Millisecond)
	putBridge(t, f, configstore.BridgeConfig{ID: "bridge_tg", AdapterModule: "fake", Enabled: true})
	waitFor(t, "worker via config signal", func() bool {
		_, ok := f.manager.Worker("bridge_tg")
		return ok
	})
}

func TestActivityMarkers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	putBridge(t, f, configstore.BridgeConfig{ID: "bridge_tg", AdapterModule: "fake", Enabled: true})
	f.manager.Reconcile(context.Background())

	f.manager.MarkIngress("bridge_tg")
	f.manager.MarkOutbound("bridge_tg")
	f.manager.MarkIngress("unknown")

	w, _ := f.manager.Worker("bridge_tg")
	h := w.health()
	if h.LastIngressAt.IsZero() || h.LastOutboundAt.IsZero() {
		t.Fatalf("activity not recorded: %+v", h)
	}
}
