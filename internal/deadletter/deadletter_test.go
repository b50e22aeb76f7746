package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/adaptertest"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/outbound"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/store"
	"github.com/agentjido/messaging/internal/supervisor"
)

type fixture struct {
	store   *store.MemoryStore
	fake    *adaptertest.FakeAdapter
	gateway *outbound.Gateway
	service *Service
}

func newFixture(t *testing.T, sendErrs []error) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	fake := &adaptertest.FakeAdapter{SendErrs: sendErrs}
	reg := adapter.NewRegistry()
	reg.MustRegister(fake)

	svc, err := New(Options{Store: st, Partitions: 2})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	gw, err := outbound.NewGateway(outbound.GatewayOptions{
		Registry:    reg,
		DeadLetters: svc,
		Config: config.OutboundConfig{
			MaxAttempts: 2,
			BaseBackoff: config.Duration(time.Millisecond),
		},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	svc.SetGateway(gw)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup := supervisor.New("deadletter-test", nil)
	for _, spec := range gw.ChildSpecs() {
		if err := sup.StartChild(spec); err != nil {
			t.Fatalf("start gateway child: %v", err)
		}
	}
	for _, spec := range svc.ChildSpecs() {
		if err := sup.StartChild(spec); err != nil {
			t.Fatalf("start replay child: %v", err)
		}
	}
	go func() { _ = sup.Run(ctx) }()

	return &fixture{store: st, fake: fake, gateway: gw, service: svc}
}

func captureOne(t *testing.T, f *fixture) string {
	t.Helper()
	_, err := f.gateway.Submit(context.Background(), outbound.Request{
		Operation:      outbound.OpSend,
		Channel:        "fake",
		BridgeID:       "bridge_tg",
		ExternalRoomID: "chat_42",
		Text:           "hello",
	})
	if err == nil {
		t.Fatalf("expected terminal failure")
	}
	recs, lerr := f.service.List(context.Background(), store.DeadLetterFilter{})
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	return recs[0].ID
}

func TestCaptureAndSignal(t *testing.T) {
	t.Parallel()
	netErr := adapter.NewError(adapter.ReasonNetwork, "down")
	f := newFixture(t, []error{netErr, netErr})
	bus := signal.NewBus(4, nil)
	f.service.bus = bus
	sub := bus.Subscribe(signal.TopicDeadLetterCaptured)
	defer sub.Cancel()

	id := captureOne(t, f)

	rec, err := f.service.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != store.DeadLetterCaptured || rec.Request.TextPayload != "hello" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Diagnostics.Attempts != 2 {
		t.Fatalf("diagnostics attempts = %d, want 2", rec.Diagnostics.Attempts)
	}
	select {
	case evt := <-sub.C:
		if evt.Payload["dead_letter_id"] != id {
			t.Fatalf("signal payload mismatch: %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no dead_letter.captured signal")
	}
}

func TestReplaySuccessThenAlreadyReplayed(t *testing.T) {
	t.Parallel()
	netErr := adapter.NewError(adapter.ReasonNetwork, "down")
	// Two failures exhaust the attempt budget; the adapter then heals.
	f := newFixture(t, []error{netErr, netErr})
	ctx := context.Background()

	id := captureOne(t, f)

	result, err := f.service.Replay(ctx, id, ReplayOptions{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Status != ReplayReplayed {
		t.Fatalf("expected replayed, got %s", result.Status)
	}
	if result.Response["message_id"] == "" {
		t.Fatalf("response missing message id: %v", result.Response)
	}

	rec, err := f.service.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != store.DeadLetterReplayed {
		t.Fatalf("record status = %s, want replayed", rec.Status)
	}

	second, err := f.service.Replay(ctx, id, ReplayOptions{})
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if second.Status != ReplayAlreadyReplayed {
		t.Fatalf("expected already_replayed, got %s", second.Status)
	}
}

func TestReplayFailureRevertsToCaptured(t *testing.T) {
	t.Parallel()
	netErr := adapter.NewError(adapter.ReasonNetwork, "down")
	// Capture takes two failures; the replay's two attempts also fail.
	f := newFixture(t, []error{netErr, netErr, netErr, netErr})
	ctx := context.Background()

	id := captureOne(t, f)
	original, _ := f.service.Get(ctx, id)

	result, err := f.service.Replay(ctx, id, ReplayOptions{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Status != ReplayFailed || result.Err == nil {
		t.Fatalf("expected failed replay with error, got %+v", result)
	}

	rec, err := f.service.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != store.DeadLetterCaptured || rec.ReplayAttempts != 1 {
		t.Fatalf("unexpected record after failed replay: %+v", rec)
	}
	// The original request is never mutated by replay.
	if rec.Request.TextPayload != original.Request.TextPayload ||
		rec.Request.Operation != original.Request.Operation ||
		rec.Request.ExternalRoomID != original.Request.ExternalRoomID {
		t.Fatalf("request mutated by replay")
	}

	// Replay failures must not create a second record.
	recs, err := f.service.List(ctx, store.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("replay failure re-captured: %d records", len(recs))
	}
}

func TestArchiveAndPurge(t *testing.T) {
	t.Parallel()
	netErr := adapter.NewError(adapter.ReasonNetwork, "down")
	f := newFixture(t, []error{netErr, netErr})
	ctx := context.Background()

	id := captureOne(t, f)
	rec, err := f.service.Archive(ctx, id)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if rec.Status != store.DeadLetterArchived {
		t.Fatalf("status = %s, want archived", rec.Status)
	}

	n, err := f.service.Purge(ctx, store.DeadLetterFilter{Status: store.DeadLetterArchived})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
}
