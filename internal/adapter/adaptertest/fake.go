// Package adaptertest provides a scriptable in-memory adapter for
// exercising the runtime without a real platform SDK.
package adaptertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentjido/messaging/internal/adapter"
)

// SendCall records one provider call made against the fake.
type SendCall struct {
	Operation         string
	ExternalRoomID    string
	ExternalMessageID string
	Text              string
	Media             map[string]any
}

// FakeAdapter implements the full adapter surface with scriptable
// behavior. The zero value works; set fields before registering.
type FakeAdapter struct {
	// Channel defaults to "fake".
	Channel adapter.Channel
	// Caps defaults to text+image+message_edit.
	Caps adapter.CapabilitySet
	// VerifySecret, when set, requires the X-Signature header to match.
	VerifySecret string
	// SendErrs is consumed one error per provider call; nil entries
	// mean success. When the queue is empty, calls succeed.
	SendErrs []error
	// FormatFail forces FormatWebhookResponse to return an error.
	FormatFail bool

	mu      sync.Mutex
	calls   []SendCall
	counter int
}

var (
	_ adapter.Adapter             = (*FakeAdapter)(nil)
	_ adapter.IncomingTransformer = (*FakeAdapter)(nil)
	_ adapter.WebhookVerifier     = (*FakeAdapter)(nil)
	_ adapter.EventParser         = (*FakeAdapter)(nil)
	_ adapter.ResponseFormatter   = (*FakeAdapter)(nil)
	_ adapter.MessageSender       = (*FakeAdapter)(nil)
	_ adapter.MessageEditor       = (*FakeAdapter)(nil)
	_ adapter.MediaSender         = (*FakeAdapter)(nil)
	_ adapter.MediaEditor         = (*FakeAdapter)(nil)
)

func (f *FakeAdapter) ChannelType() adapter.Channel {
	if f.Channel == "" {
		return "fake"
	}
	return f.Channel
}

func (f *FakeAdapter) Capabilities() adapter.CapabilitySet {
	if f.Caps != nil {
		return f.Caps
	}
	return adapter.NewCapabilitySet(adapter.CapText, adapter.CapImage, adapter.CapMessageEdit)
}

// Calls returns a copy of the recorded provider calls.
func (f *FakeAdapter) Calls() []SendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendCall(nil), f.calls...)
}

// CallCount returns how many provider calls were made.
func (f *FakeAdapter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *FakeAdapter) nextResult(call SendCall) (adapter.ProviderResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var err error
	if len(f.SendErrs) > 0 {
		err = f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
	}
	f.counter++
	id := fmt.Sprintf("provider-msg-%d", f.counter)
	f.mu.Unlock()
	if err != nil {
		return adapter.ProviderResult{}, err
	}
	return adapter.ProviderResult{MessageID: id}, nil
}

func (f *FakeAdapter) VerifyWebhook(meta adapter.RequestMeta, opts map[string]any) error {
	secret := f.VerifySecret
	if s, ok := opts["secret"].(string); ok && s != "" {
		secret = s
	}
	if secret == "" {
		return nil
	}
	if meta.Header("X-Signature") != secret {
		return adapter.ErrInvalidSignature
	}
	return nil
}

func (f *FakeAdapter) ParseEvent(meta adapter.RequestMeta, opts map[string]any) (adapter.EventEnvelope, error) {
	var payload map[string]any
	if err := json.Unmarshal(meta.Body, &payload); err != nil {
		return adapter.EventEnvelope{}, &adapter.InvalidEventError{Detail: "malformed json"}
	}
	kind, _ := payload["kind"].(string)
	switch kind {
	case "noop":
		return adapter.EventEnvelope{}, adapter.ErrNoop
	case "message":
		id, _ := payload["id"].(string)
		room, _ := payload["room"].(string)
		return adapter.EventEnvelope{
			Adapter:   f.ChannelType(),
			EventType: adapter.EventMessage,
			ChannelID: room,
			MessageID: id,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	case "member_join":
		return adapter.EventEnvelope{
			Adapter:   f.ChannelType(),
			EventType: adapter.EventMemberJoin,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	default:
		return adapter.EventEnvelope{}, &adapter.InvalidEventError{Detail: fmt.Sprintf("unknown kind %q", kind)}
	}
}

func (f *FakeAdapter) TransformIncoming(raw map[string]any) (adapter.Incoming, error) {
	room, _ := raw["room"].(string)
	user, _ := raw["user"].(string)
	if room == "" || user == "" {
		return adapter.Incoming{}, &adapter.InvalidEventError{Detail: "room and user are required"}
	}
	id, _ := raw["id"].(string)
	text, _ := raw["text"].(string)
	username, _ := raw["username"].(string)
	chatType, _ := raw["chat_type"].(string)
	return adapter.Incoming{
		ExternalRoomID:    room,
		ExternalUserID:    user,
		ExternalMessageID: id,
		Text:              text,
		Username:          username,
		ChatType:          chatType,
		Raw:               raw,
	}, nil
}

func (f *FakeAdapter) FormatWebhookResponse(result map[string]any, opts map[string]any) (adapter.WebhookResponse, error) {
	if f.FormatFail {
		return adapter.WebhookResponse{}, fmt.Errorf("formatter unavailable")
	}
	status, _ := result["status"].(int)
	if status == 0 {
		status = 200
	}
	return adapter.WebhookResponse{Status: status, Body: result}, nil
}

func (f *FakeAdapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (adapter.ProviderResult, error) {
	return f.nextResult(SendCall{Operation: "send", ExternalRoomID: externalRoomID, Text: text})
}

func (f *FakeAdapter) EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts map[string]any) (adapter.ProviderResult, error) {
	return f.nextResult(SendCall{Operation: "edit", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Text: text})
}

func (f *FakeAdapter) SendMedia(ctx context.Context, externalRoomID string, payload map[string]any, opts map[string]any) (adapter.ProviderResult, error) {
	return f.nextResult(SendCall{Operation: "send_media", ExternalRoomID: externalRoomID, Media: payload})
}

func (f *FakeAdapter) EditMedia(ctx context.Context, externalRoomID, externalMessageID string, payload map[string]any, opts map[string]any) (adapter.ProviderResult, error) {
	return f.nextResult(SendCall{Operation: "edit_media", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Media: payload})
}
