package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/adaptertest"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/ingest"
	"github.com/agentjido/messaging/internal/room"
	"github.com/agentjido/messaging/internal/router"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/store"
)

func echoHandler() room.Handler {
	return room.HandlerFunc(func(ctx context.Context, msg store.Message, mc *ingest.MsgContext) room.Action {
		return room.ReplyWith("echo:"+mc.Body, nil)
	})
}

func startInstance(t *testing.T, fake *adaptertest.FakeAdapter, handler room.Handler) *Instance {
	t.Helper()
	reg := adapter.NewRegistry()
	reg.MustRegister(fake)
	inst, err := New(Options{
		Registry: reg,
		Handler:  handler,
		Config: config.Config{
			Shutdown: config.ShutdownConfig{DrainDeadline: config.Duration(time.Second)},
		},
	})
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = inst.Stop(ctx)
	})
	return inst
}

func seedBridge(t *testing.T, inst *Instance) {
	t.Helper()
	ctx := context.Background()
	if _, err := inst.PutBridgeConfig(ctx, configstore.BridgeConfig{
		ID:            "bridge_tg",
		AdapterModule: "fake",
		Enabled:       true,
	}); err != nil {
		t.Fatalf("put bridge: %v", err)
	}
}

func bindEchoRoom(t *testing.T, inst *Instance, roomID string) {
	t.Helper()
	if _, err := inst.CreateRoomBinding(context.Background(), configstore.RoomBinding{
		RoomID:         roomID,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_42",
		Direction:      configstore.DirectionBoth,
		Enabled:        true,
	}); err != nil {
		t.Fatalf("create binding: %v", err)
	}
}

func webhookBody() []byte {
	return []byte(`{"kind":"message","room":"chat_42","user":"user_7","id":"msg_100","text":"hello"}`)
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

func TestInboundEchoEndToEnd(t *testing.T) {
	t.Parallel()
	fake := &adaptertest.FakeAdapter{Channel: "fake"}
	inst := startInstance(t, fake, echoHandler())
	seedBridge(t, inst)
	ctx := context.Background()

	sub := inst.Subscribe(signal.TopicMessageReceived)
	defer sub.Cancel()

	resp, result := inst.RouteWebhook(ctx, "bridge_tg", adapter.RequestMeta{Body: webhookBody()})
	if result.Status != router.StatusOK || resp.Status != http.StatusOK {
		t.Fatalf("webhook: status=%s http=%d reason=%s", result.Status, resp.Status, result.Reason)
	}
	if result.Ingest.Message.PlainText() != "hello" {
		t.Fatalf("message text = %q", result.Ingest.Message.PlainText())
	}
	roomID := result.Ingest.Ctx.Room.ID
	if roomID == "" {
		t.Fatalf("room not created")
	}
	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatalf("no message.received signal")
	}

	// Binding the room lets the echo handler's reply reach the adapter.
	// The first reply failed routing (no binding yet); resend the
	// webhook with a fresh message id and expect exactly one send.
	bindEchoRoom(t, inst, roomID)
	body := []byte(`{"kind":"message","room":"chat_42","user":"user_7","id":"msg_101","text":"hello"}`)
	_, result = inst.RouteWebhook(ctx, "bridge_tg", adapter.RequestMeta{Body: body})
	if result.Status != router.StatusOK {
		t.Fatalf("second webhook: %s (%s)", result.Status, result.Reason)
	}
	waitFor(t, "echo send", func() bool { return fake.CallCount() == 1 })
	calls := fake.Calls()
	if calls[0].Text != "echo:hello" || calls[0].ExternalRoomID != "chat_42" {
		t.Fatalf("unexpected send: %+v", calls[0])
	}

	// The identical webhook is a duplicate: no new message, no send.
	_, result = inst.RouteWebhook(ctx, "bridge_tg", adapter.RequestMeta{Body: body})
	if result.Status != router.StatusDuplicate {
		t.Fatalf("duplicate: %s", result.Status)
	}
	msgs, err := inst.ListMessages(ctx, roomID, store.MessageFilter{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	time.Sleep(50 * time.Millisecond)
	if fake.CallCount() != 1 {
		t.Fatalf("duplicate triggered a send")
	}
}

func TestRouteOutboundThroughInstance(t *testing.T) {
	t.Parallel()
	fake := &adaptertest.FakeAdapter{Channel: "fake"}
	inst := startInstance(t, fake, nil)
	seedBridge(t, inst)
	ctx := context.Background()

	r, err := inst.SaveRoom(ctx, store.Room{Name: "ops"})
	if err != nil {
		t.Fatalf("save room: %v", err)
	}
	bindEchoRoom(t, inst, r.ID)

	if routes := inst.ResolveOutboundRoutes(r.ID); len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}
	dispatches, err := inst.RouteOutbound(ctx, r.ID, "deploy done", nil)
	if err != nil {
		t.Fatalf("route outbound: %v", err)
	}
	if len(dispatches) != 1 || dispatches[0].Status != "ok" {
		t.Fatalf("dispatches: %+v", dispatches)
	}

	health := inst.Health()
	if len(health.Bridges) != 1 || health.Bridges[0].LastOutboundAt.IsZero() {
		t.Fatalf("bridge health not updated: %+v", health.Bridges)
	}
	if !health.Accepting {
		t.Fatalf("instance not accepting")
	}
}

func TestShutdownRefusesIngest(t *testing.T) {
	t.Parallel()
	fake := &adaptertest.FakeAdapter{Channel: "fake"}
	reg := adapter.NewRegistry()
	reg.MustRegister(fake)
	inst, err := New(Options{Registry: reg, Config: config.Config{
		Shutdown: config.ShutdownConfig{DrainDeadline: config.Duration(50 * time.Millisecond)},
	}})
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	seedBridge(t, inst)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	resp, result := inst.RouteWebhook(context.Background(), "bridge_tg", adapter.RequestMeta{Body: webhookBody()})
	if result.Status != router.StatusShuttingDown || resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("after stop: status=%s http=%d", result.Status, resp.Status)
	}
	if inst.RoutePayload(context.Background(), "bridge_tg", map[string]any{"room": "r", "user": "u"}).Status != router.StatusShuttingDown {
		t.Fatalf("payload accepted after stop")
	}
}

func TestDedupeFacade(t *testing.T) {
	t.Parallel()
	fake := &adaptertest.FakeAdapter{Channel: "fake"}
	inst := startInstance(t, fake, nil)

	if inst.CheckDedupe("fp-1") {
		t.Fatalf("fresh fingerprint reported seen")
	}
	if !inst.SeenDedupe("fp-1") || !inst.CheckDedupe("fp-1") {
		t.Fatalf("fingerprint not retained")
	}
	inst.ClearDedupe()
	if inst.SeenDedupe("fp-1") {
		t.Fatalf("clear did not purge")
	}
}
