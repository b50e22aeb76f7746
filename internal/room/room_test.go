package room

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/adaptertest"
	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/ingest"
	"github.com/agentjido/messaging/internal/outbound"
	"github.com/agentjido/messaging/internal/store"
	"github.com/agentjido/messaging/internal/supervisor"
)

type fixture struct {
	store   *store.MemoryStore
	fake    *adaptertest.FakeAdapter
	configs *configstore.ConfigStore
	manager *Manager
	sup     *supervisor.Supervisor
}

func newFixture(t *testing.T, handler Handler) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	fake := &adaptertest.FakeAdapter{Channel: "fake"}
	reg := adapter.NewRegistry()
	reg.MustRegister(fake)

	gw, err := outbound.NewGateway(outbound.GatewayOptions{Registry: reg})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	configs := configstore.New(nil)
	t.Cleanup(configs.Close)
	router := outbound.NewRouter(configs, gw)

	sup := supervisor.New("room-test", nil)
	for _, spec := range gw.ChildSpecs() {
		if err := sup.StartChild(spec); err != nil {
			t.Fatalf("start gateway child: %v", err)
		}
	}
	mgr, err := NewManager(ManagerOptions{
		Store:   st,
		Router:  router,
		Handler: handler,
		Sup:     sup,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sup.Run(ctx) }()

	return &fixture{store: st, fake: fake, configs: configs, manager: mgr, sup: sup}
}

func (f *fixture) bindRoom(t *testing.T, roomID, externalRoomID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.configs.PutBridge(ctx, configstore.BridgeConfig{
		ID:            "bridge_tg",
		AdapterModule: "fake",
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("put bridge: %v", err)
	}
	_, err = f.configs.PutBinding(ctx, configstore.RoomBinding{
		RoomID:         roomID,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: externalRoomID,
		Direction:      configstore.DirectionBoth,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("put binding: %v", err)
	}
}

func (f *fixture) deliver(t *testing.T, roomID, text string) store.Message {
	t.Helper()
	ctx := context.Background()
	msg, err := f.store.SaveMessage(ctx, store.Message{
		RoomID:    roomID,
		SenderID:  "alice",
		Role:      "user",
		Content:   []store.ContentBlock{store.TextBlock(text)},
		Status:    store.StatusSent,
		Channel:   "fake",
		BridgeID:  "bridge_tg",
		InsertedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := f.manager.Deliver(ctx, msg, &ingest.MsgContext{Body: text}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return msg
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

func TestEchoReplyRoutesOnce(t *testing.T) {
	t.Parallel()
	handler := HandlerFunc(func(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action {
		return ReplyWith("echo:"+mc.Body, nil)
	})
	f := newFixture(t, handler)
	room, err := f.store.SaveRoom(context.Background(), store.Room{Name: "general"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	f.bindRoom(t, room.ID, "chat_42")

	f.deliver(t, room.ID, "hello")

	waitFor(t, "echo send", func() bool { return f.fake.CallCount() == 1 })
	calls := f.fake.Calls()
	if calls[0].Operation != "send" || calls[0].Text != "echo:hello" || calls[0].ExternalRoomID != "chat_42" {
		t.Fatalf("unexpected send: %+v", calls[0])
	}

	// A second message produces exactly one more send.
	f.deliver(t, room.ID, "again")
	waitFor(t, "second echo", func() bool { return f.fake.CallCount() == 2 })
}

func TestNoReplySendsNothing(t *testing.T) {
	t.Parallel()
	handled := make(chan struct{}, 4)
	handler := HandlerFunc(func(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action {
		handled <- struct{}{}
		return NoReply()
	})
	f := newFixture(t, handler)
	room, err := f.store.SaveRoom(context.Background(), store.Room{Name: "quiet"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	f.bindRoom(t, room.ID, "chat_1")

	f.deliver(t, room.ID, "hello")
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}
	if got := f.fake.CallCount(); got != 0 {
		t.Fatalf("unexpected sends: %d", got)
	}
}

func TestHandlerErrorDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	handled := make(chan string, 4)
	handler := HandlerFunc(func(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action {
		handled <- mc.Body
		if mc.Body == "boom" {
			return Fail(fmt.Errorf("handler exploded"))
		}
		return NoReply()
	})
	f := newFixture(t, handler)
	room, err := f.store.SaveRoom(context.Background(), store.Room{Name: "flaky"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	f.deliver(t, room.ID, "boom")
	f.deliver(t, room.ID, "fine")

	for _, want := range []string{"boom", "fine"} {
		select {
		case got := <-handled:
			if got != want {
				t.Fatalf("handled %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("worker stopped before %q", want)
		}
	}
}

func TestWorkerStateAndIsolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, HandlerFunc(func(ctx context.Context, msg store.Message, mc *ingest.MsgContext) Action {
		return NoReply()
	}))
	ctx := context.Background()
	roomA, _ := f.store.SaveRoom(ctx, store.Room{Name: "a"})
	roomB, _ := f.store.SaveRoom(ctx, store.Room{Name: "b"})

	f.deliver(t, roomA.ID, "one")
	f.deliver(t, roomA.ID, "two")
	f.deliver(t, roomB.ID, "other")

	wa, ok := f.manager.Worker(roomA.ID)
	if !ok {
		t.Fatalf("no worker for room a")
	}
	waitFor(t, "ring to fill", func() bool { return len(wa.Recent()) == 2 })
	if parts := wa.Participants(); len(parts) != 1 || parts[0] != "alice" {
		t.Fatalf("participants = %v", parts)
	}

	wb, ok := f.manager.Worker(roomB.ID)
	if !ok {
		t.Fatalf("no worker for room b")
	}
	waitFor(t, "room b ring", func() bool { return len(wb.Recent()) == 1 })

	if got := len(f.manager.ActiveRooms()); got != 2 {
		t.Fatalf("active rooms = %d, want 2", got)
	}
}

func TestRingBufferBound(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	sup := supervisor.New("ring-test", nil)
	mgr, err := NewManager(ManagerOptions{Store: st, Sup: sup, RingSize: 3, InboxSize: 16})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sup.Run(ctx) }()

	room, _ := st.SaveRoom(ctx, store.Room{Name: "busy"})
	for i := 0; i < 5; i++ {
		msg, cerr := st.SaveMessage(ctx, store.Message{
			RoomID:   room.ID,
			SenderID: "alice",
			Content:  []store.ContentBlock{store.TextBlock(fmt.Sprintf("m%d", i))},
			Status:   store.StatusSent,
		})
		if cerr != nil {
			t.Fatalf("create message: %v", cerr)
		}
		if derr := mgr.Deliver(ctx, msg, &ingest.MsgContext{}); derr != nil {
			t.Fatalf("deliver: %v", derr)
		}
	}

	w, _ := mgr.Worker(room.ID)
	waitFor(t, "ring trim", func() bool {
		recent := w.Recent()
		return len(recent) == 3 && recent[0].PlainText() == "m2"
	})
}

func TestRehydrateOnStart(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore()
	ctx := context.Background()
	room, _ := st.SaveRoom(ctx, store.Room{Name: "old"})
	for _, text := range []string{"past1", "past2"} {
		_, err := st.SaveMessage(ctx, store.Message{
			RoomID:   room.ID,
			SenderID: "bob",
			Content:  []store.ContentBlock{store.TextBlock(text)},
			Status:   store.StatusSent,
		})
		if err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	sup := supervisor.New("rehydrate-test", nil)
	mgr, err := NewManager(ManagerOptions{Store: st, Sup: sup})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sup.Run(runCtx) }()

	msg, _ := st.SaveMessage(ctx, store.Message{
		RoomID:   room.ID,
		SenderID: "alice",
		Content:  []store.ContentBlock{store.TextBlock("now")},
		Status:   store.StatusSent,
	})
	if err := mgr.Deliver(ctx, msg, &ingest.MsgContext{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	w, _ := mgr.Worker(room.ID)
	waitFor(t, "rehydrated history", func() bool {
		recent := w.Recent()
		return len(recent) == 3 && recent[0].PlainText() == "past1"
	})
	if parts := w.Participants(); len(parts) != 2 {
		t.Fatalf("participants = %v, want bob and alice", parts)
	}
}
