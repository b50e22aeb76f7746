package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/adapter/adaptertest"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/handlers"
	"github.com/agentjido/messaging/internal/runtime"
)

func newTestServer(t *testing.T, fake *adaptertest.FakeAdapter) (*Server, *runtime.Instance) {
	t.Helper()
	reg := adapter.NewRegistry()
	reg.MustRegister(fake)
	inst, err := runtime.New(runtime.Options{
		Registry: reg,
		Config: config.Config{
			Outbound: config.OutboundConfig{MaxAttempts: 1, BaseBackoff: config.Duration(time.Millisecond)},
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

	srv := NewServer(":0",
		handlers.NewPingHandler(inst),
		handlers.NewWebhookHandler(inst),
		handlers.NewConfigHandler(inst),
		handlers.NewRoomHandler(inst),
		handlers.NewDeadLetterHandler(inst),
	)
	return srv, inst
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestPingAndHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &adaptertest.FakeAdapter{Channel: "fake"})

	rec := do(t, srv, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ping: %d", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/health", "")
	var health map[string]any
	decode(t, rec, &health)
	if health["accepting"] != true {
		t.Fatalf("health: %v", health)
	}
}

func TestWebhookFlow(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &adaptertest.FakeAdapter{Channel: "fake"})

	rec := do(t, srv, http.MethodPut, "/config/bridges/bridge_tg",
		`{"adapter_module":"fake","enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put bridge: %d %s", rec.Code, rec.Body.String())
	}

	payload := `{"kind":"message","room":"chat_42","user":"user_7","id":"msg_100","text":"hello"}`
	rec = do(t, srv, http.MethodPost, "/webhooks/bridge_tg", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decode(t, rec, &body)
	msgID, _ := body["message_id"].(string)
	if body["outcome"] != "ok" || msgID == "" {
		t.Fatalf("webhook body: %v", body)
	}

	// Same payload again acknowledges as a duplicate.
	rec = do(t, srv, http.MethodPost, "/webhooks/bridge_tg", payload)
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || body["outcome"] != "duplicate" {
		t.Fatalf("duplicate: %d %v", rec.Code, body)
	}

	rec = do(t, srv, http.MethodPost, "/webhooks/unknown", payload)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown bridge: %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPut, "/config/bridges/bridge_off",
		`{"adapter_module":"fake","enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put disabled bridge: %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/webhooks/bridge_off", payload)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled bridge: %d", rec.Code)
	}
}

func TestRoomAndOutboundEndpoints(t *testing.T) {
	t.Parallel()
	fake := &adaptertest.FakeAdapter{Channel: "fake"}
	srv, _ := newTestServer(t, fake)

	rec := do(t, srv, http.MethodPut, "/config/bridges/bridge_tg",
		`{"adapter_module":"fake","enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put bridge: %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/rooms", `{"name":"ops"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create room: %d %s", rec.Code, rec.Body.String())
	}
	var room map[string]any
	decode(t, rec, &room)
	roomID, _ := room["id"].(string)
	if roomID == "" {
		t.Fatalf("room id missing: %v", room)
	}

	// No binding yet: outbound has no route.
	rec = do(t, srv, http.MethodPost, "/rooms/"+roomID+"/outbound", `{"text":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unrouted outbound: %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/config/bindings",
		`{"room_id":"`+roomID+`","channel":"fake","bridge_id":"bridge_tg","external_room_id":"chat_42","direction":"both","enabled":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create binding: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/rooms/"+roomID+"/bindings", "")
	var bindings []map[string]any
	decode(t, rec, &bindings)
	if len(bindings) != 1 {
		t.Fatalf("bindings: %v", bindings)
	}

	rec = do(t, srv, http.MethodPost, "/rooms/"+roomID+"/outbound", `{"text":"deploy done"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("outbound: %d %s", rec.Code, rec.Body.String())
	}
	if fake.CallCount() != 1 {
		t.Fatalf("sends = %d, want 1", fake.CallCount())
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	t.Parallel()
	authErr := adapter.NewError(adapter.ReasonAuth, "bad token")
	fake := &adaptertest.FakeAdapter{Channel: "fake", SendErrs: []error{authErr}}
	srv, _ := newTestServer(t, fake)

	rec := do(t, srv, http.MethodPut, "/config/bridges/bridge_tg",
		`{"adapter_module":"fake","enabled":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put bridge: %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/rooms", `{"name":"ops"}`)
	var room map[string]any
	decode(t, rec, &room)
	roomID, _ := room["id"].(string)
	rec = do(t, srv, http.MethodPost, "/config/bindings",
		`{"room_id":"`+roomID+`","channel":"fake","bridge_id":"bridge_tg","external_room_id":"chat_42","direction":"both","enabled":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create binding: %d", rec.Code)
	}

	// The auth failure is terminal and lands in the dead-letter store.
	rec = do(t, srv, http.MethodPost, "/rooms/"+roomID+"/outbound", `{"text":"hi"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed outbound: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/dead_letters", "")
	var records []map[string]any
	decode(t, rec, &records)
	if len(records) != 1 {
		t.Fatalf("dead letters: %v", records)
	}
	id, _ := records[0]["id"].(string)

	// The adapter has healed; replay succeeds.
	rec = do(t, srv, http.MethodPost, "/dead_letters/"+id+"/replay", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	decode(t, rec, &result)
	if result["status"] != "replayed" {
		t.Fatalf("replay result: %v", result)
	}

	rec = do(t, srv, http.MethodPost, "/dead_letters/"+id+"/archive", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("archive: %d", rec.Code)
	}
	rec = do(t, srv, http.MethodDelete, "/dead_letters?status=archived", "")
	var purge map[string]int
	decode(t, rec, &purge)
	if purge["purged"] != 1 {
		t.Fatalf("purge: %v", purge)
	}

	rec = do(t, srv, http.MethodGet, "/dead_letters/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("purged record still served: %d", rec.Code)
	}
}
