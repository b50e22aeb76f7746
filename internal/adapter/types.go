// Package adapter defines the contract between the messaging runtime and
// platform adapters. It provides the shared wire types, a base Adapter
// interface, optional capability interfaces, and a Registry that
// dispatches to them.
package adapter

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Channel identifies an adapter family (e.g. "telegram", "discord").
// It names the platform kind, not a configured deployment; configured
// deployments are identified by bridge_id.
type Channel string

// String returns the channel as a plain string.
func (c Channel) String() string {
	return string(c)
}

// Capability names a feature an adapter supports.
type Capability string

const (
	CapText        Capability = "text"
	CapImage       Capability = "image"
	CapAudio       Capability = "audio"
	CapVideo       Capability = "video"
	CapFile        Capability = "file"
	CapReactions   Capability = "reactions"
	CapThreads     Capability = "threads"
	CapStreaming   Capability = "streaming"
	CapMessageEdit Capability = "message_edit"
)

// CapabilitySet is the set of capabilities an adapter declares.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Has reports whether the capability is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// MediaItem describes one media element attached to an inbound message.
type MediaItem struct {
	Type     string         `json:"type"`
	URL      string         `json:"url,omitempty"`
	FileID   string         `json:"file_id,omitempty"`
	Mime     string         `json:"mime,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Caption  string         `json:"caption,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Mention marks a user reference inside message text.
type Mention struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
}

// Incoming is the normalized form of a platform payload.
type Incoming struct {
	ExternalRoomID    string         `json:"external_room_id"`
	ExternalUserID    string         `json:"external_user_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Media             []MediaItem    `json:"media,omitempty"`
	Username          string         `json:"username,omitempty"`
	DisplayName       string         `json:"display_name,omitempty"`
	Timestamp         time.Time      `json:"timestamp,omitempty"`
	ChatType          string         `json:"chat_type,omitempty"`
	ReplyToExternalID string         `json:"reply_to_external_id,omitempty"`
	Mentions          []Mention      `json:"mentions,omitempty"`
	Raw               map[string]any `json:"raw,omitempty"`
}

// RequestMeta carries the transport-level context of a webhook request.
// Verification must be a pure function of these fields.
type RequestMeta struct {
	Headers http.Header
	Query   map[string]string
	Body    []byte
}

// Header returns the first value for the named header, trimmed.
func (m RequestMeta) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return strings.TrimSpace(m.Headers.Get(name))
}

// EventType classifies a parsed inbound event.
type EventType string

const (
	EventMessage     EventType = "message"
	EventMessageEdit EventType = "message_edit"
	EventReaction    EventType = "reaction"
	EventMemberJoin  EventType = "member_join"
	EventMemberLeave EventType = "member_leave"
	EventUnknown     EventType = "unknown"
)

// EventEnvelope wraps a parsed inbound event.
type EventEnvelope struct {
	Adapter   Channel        `json:"adapter"`
	EventType EventType      `json:"event_type"`
	ThreadID  string         `json:"thread_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Raw       []byte         `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WebhookResponse is what the HTTP layer returns to the platform.
type WebhookResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// ProviderResult is the acknowledgement from a platform send/edit call.
type ProviderResult struct {
	MessageID string         `json:"message_id,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// ListenerSpec describes a long-lived worker an adapter asks the
// runtime to supervise (e.g. a polling loop).
type ListenerSpec struct {
	Name string
	Run  func(ctx context.Context) error
}
