// Package loopback implements an in-process channel adapter. It has no
// external platform behind it: inbound events arrive as plain JSON
// webhooks and outbound sends land in a per-room outbox that callers
// can read back. It backs local development and smoke tests of a
// deployment before any real bridge is configured.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/agentjido/messaging/internal/adapter"
)

// ChannelName is the channel type the loopback adapter registers under.
const ChannelName adapter.Channel = "loopback"

// DefaultOutboxCap bounds the per-room outbox.
const DefaultOutboxCap = 256

// Delivery is one outbound message recorded in a room outbox.
type Delivery struct {
	ID                string         `json:"id"`
	Operation         string         `json:"operation"`
	ExternalRoomID    string         `json:"external_room_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Media             map[string]any `json:"media,omitempty"`
	SentAt            time.Time      `json:"sent_at"`
}

// Adapter is the loopback channel. The zero value is not usable; call
// New.
type Adapter struct {
	outboxCap int

	mu       sync.Mutex
	outboxes map[string][]Delivery
}

var (
	_ adapter.Adapter             = (*Adapter)(nil)
	_ adapter.WebhookVerifier     = (*Adapter)(nil)
	_ adapter.EventParser         = (*Adapter)(nil)
	_ adapter.IncomingTransformer = (*Adapter)(nil)
	_ adapter.ResponseFormatter   = (*Adapter)(nil)
	_ adapter.MessageSender       = (*Adapter)(nil)
	_ adapter.MessageEditor       = (*Adapter)(nil)
	_ adapter.MediaSender         = (*Adapter)(nil)
	_ adapter.MentionParser       = (*Adapter)(nil)
)

func New() *Adapter {
	return &Adapter{
		outboxCap: DefaultOutboxCap,
		outboxes:  map[string][]Delivery{},
	}
}

func (a *Adapter) ChannelType() adapter.Channel {
	return ChannelName
}

func (a *Adapter) Capabilities() adapter.CapabilitySet {
	return adapter.NewCapabilitySet(
		adapter.CapText,
		adapter.CapImage,
		adapter.CapFile,
		adapter.CapMessageEdit,
	)
}

// VerifyWebhook checks the X-Loopback-Token header against the bridge's
// configured token. Bridges without a token accept every request.
func (a *Adapter) VerifyWebhook(meta adapter.RequestMeta, opts map[string]any) error {
	token, _ := opts["token"].(string)
	if token == "" {
		return nil
	}
	if meta.Header("X-Loopback-Token") != token {
		return adapter.ErrInvalidSignature
	}
	return nil
}

// inboundEvent is the JSON document the loopback webhook accepts.
type inboundEvent struct {
	Kind     string         `json:"kind"`
	Room     string         `json:"room"`
	User     string         `json:"user"`
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Username string         `json:"username"`
	ChatType string         `json:"chat_type"`
	ReplyTo  string         `json:"reply_to"`
	Media    []mediaPayload `json:"media"`
}

type mediaPayload struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Mime    string `json:"mime"`
	Size    int64  `json:"size"`
	Caption string `json:"caption"`
}

func (a *Adapter) ParseEvent(meta adapter.RequestMeta, opts map[string]any) (adapter.EventEnvelope, error) {
	var payload map[string]any
	if err := json.Unmarshal(meta.Body, &payload); err != nil {
		return adapter.EventEnvelope{}, &adapter.InvalidEventError{Detail: "malformed json"}
	}
	kind, _ := payload["kind"].(string)
	room, _ := payload["room"].(string)
	id, _ := payload["id"].(string)
	switch kind {
	case "ping":
		return adapter.EventEnvelope{}, adapter.ErrNoop
	case "message":
		return adapter.EventEnvelope{
			Adapter:   ChannelName,
			EventType: adapter.EventMessage,
			ChannelID: room,
			MessageID: id,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	case "message_edit":
		return adapter.EventEnvelope{
			Adapter:   ChannelName,
			EventType: adapter.EventMessageEdit,
			ChannelID: room,
			MessageID: id,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	case "member_join", "member_leave":
		eventType := adapter.EventMemberJoin
		if kind == "member_leave" {
			eventType = adapter.EventMemberLeave
		}
		return adapter.EventEnvelope{
			Adapter:   ChannelName,
			EventType: eventType,
			ChannelID: room,
			Payload:   payload,
			Raw:       meta.Body,
		}, nil
	default:
		return adapter.EventEnvelope{}, &adapter.InvalidEventError{Detail: fmt.Sprintf("unknown kind %q", kind)}
	}
}

func (a *Adapter) TransformIncoming(raw map[string]any) (adapter.Incoming, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return adapter.Incoming{}, &adapter.InvalidEventError{Detail: "unencodable payload"}
	}
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return adapter.Incoming{}, &adapter.InvalidEventError{Detail: "malformed payload"}
	}
	if ev.Room == "" || ev.User == "" {
		return adapter.Incoming{}, &adapter.InvalidEventError{Detail: "room and user are required"}
	}
	incoming := adapter.Incoming{
		ExternalRoomID:    ev.Room,
		ExternalUserID:    ev.User,
		ExternalMessageID: ev.ID,
		Text:              ev.Text,
		Username:          ev.Username,
		ChatType:          ev.ChatType,
		ReplyToExternalID: ev.ReplyTo,
		Timestamp:         time.Now().UTC(),
		Mentions:          a.ParseMentions(ev.Text, raw),
		Raw:               raw,
	}
	for _, m := range ev.Media {
		incoming.Media = append(incoming.Media, adapter.MediaItem{
			Type:    m.Type,
			URL:     m.URL,
			Mime:    m.Mime,
			Size:    m.Size,
			Caption: m.Caption,
		})
	}
	return incoming, nil
}

func (a *Adapter) FormatWebhookResponse(result map[string]any, opts map[string]any) (adapter.WebhookResponse, error) {
	status, _ := result["status"].(int)
	if status == 0 {
		status = 200
	}
	body := map[string]any{"ok": status < 400}
	for k, v := range result {
		if k == "status" {
			continue
		}
		body[k] = v
	}
	return adapter.WebhookResponse{Status: status, Body: body}, nil
}

// ParseMentions extracts @name tokens with their byte offsets.
func (a *Adapter) ParseMentions(text string, raw map[string]any) []adapter.Mention {
	var mentions []adapter.Mention
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		if i > 0 && !isMentionBoundary(rune(text[i-1])) {
			continue
		}
		end := i + 1
		for end < len(text) && isMentionRune(rune(text[end])) {
			end++
		}
		if end == i+1 {
			continue
		}
		mentions = append(mentions, adapter.Mention{
			Username: text[i+1 : end],
			Offset:   i,
			Length:   end - i,
		})
		i = end - 1
	}
	return mentions
}

func isMentionBoundary(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune("([{,.;:", r)
}

func isMentionRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (a *Adapter) record(d Delivery) (adapter.ProviderResult, error) {
	d.ID = "loop_" + uuid.NewString()
	d.SentAt = time.Now().UTC()
	a.mu.Lock()
	box := append(a.outboxes[d.ExternalRoomID], d)
	if len(box) > a.outboxCap {
		box = box[len(box)-a.outboxCap:]
	}
	a.outboxes[d.ExternalRoomID] = box
	a.mu.Unlock()
	return adapter.ProviderResult{MessageID: d.ID}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (adapter.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.ProviderResult{}, adapter.NewError(adapter.ReasonTimeout, "send canceled: %v", err)
	}
	return a.record(Delivery{Operation: "send", ExternalRoomID: externalRoomID, Text: text})
}

func (a *Adapter) EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts map[string]any) (adapter.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.ProviderResult{}, adapter.NewError(adapter.ReasonTimeout, "edit canceled: %v", err)
	}
	a.mu.Lock()
	found := false
	for _, d := range a.outboxes[externalRoomID] {
		if d.ID == externalMessageID {
			found = true
			break
		}
	}
	a.mu.Unlock()
	if !found {
		return adapter.ProviderResult{}, adapter.NewError(adapter.ReasonInvalidPayload, "unknown message %s", externalMessageID)
	}
	return a.record(Delivery{Operation: "edit", ExternalRoomID: externalRoomID, ExternalMessageID: externalMessageID, Text: text})
}

func (a *Adapter) SendMedia(ctx context.Context, externalRoomID string, payload map[string]any, opts map[string]any) (adapter.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.ProviderResult{}, adapter.NewError(adapter.ReasonTimeout, "send canceled: %v", err)
	}
	return a.record(Delivery{Operation: "send_media", ExternalRoomID: externalRoomID, Media: payload})
}

// Outbox returns a copy of the deliveries recorded for a room.
func (a *Adapter) Outbox(externalRoomID string) []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Delivery(nil), a.outboxes[externalRoomID]...)
}

// Drain empties a room outbox and returns what was in it.
func (a *Adapter) Drain(externalRoomID string) []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	box := a.outboxes[externalRoomID]
	delete(a.outboxes, externalRoomID)
	return box
}
