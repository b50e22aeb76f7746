// Package store defines the canonical conversation model (rooms,
// participants, messages, dead letters) and the persistence contract
// every backend implements. A race-safe in-memory reference
// implementation ships in memory.go.
package store

import (
	"strings"
	"time"
)

// RoomType classifies a conversation container.
type RoomType string

const (
	RoomDirect  RoomType = "direct"
	RoomGroup   RoomType = "group"
	RoomChannel RoomType = "channel"
	RoomThread  RoomType = "thread"
)

// Room is a conversation container. ExternalBindings maps
// channel → bridge_id → external room id and backs inbound resolution.
type Room struct {
	ID               string                       `json:"id"`
	Type             RoomType                     `json:"type"`
	Name             string                       `json:"name,omitempty"`
	ExternalBindings map[string]map[string]string `json:"external_bindings,omitempty"`
	Metadata         map[string]any               `json:"metadata,omitempty"`
	InsertedAt       time.Time                    `json:"inserted_at"`
}

// ExternalID returns the bound external room id for (channel, bridge),
// or empty when unbound.
func (r Room) ExternalID(channel, bridgeID string) string {
	if r.ExternalBindings == nil {
		return ""
	}
	return r.ExternalBindings[channel][bridgeID]
}

// ParticipantType classifies a participant.
type ParticipantType string

const (
	ParticipantHuman  ParticipantType = "human"
	ParticipantAgent  ParticipantType = "agent"
	ParticipantSystem ParticipantType = "system"
)

// Identity carries display attributes of a participant.
type Identity struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Participant is a human, agent, or system actor. ExternalIDs maps
// channel → external user id.
type Participant struct {
	ID          string            `json:"id"`
	Type        ParticipantType   `json:"type"`
	Identity    Identity          `json:"identity"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	InsertedAt  time.Time         `json:"inserted_at"`
}

// Role is the conversational role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageStatus is the delivery state of a message. Transitions advance
// monotonically in declaration order; failed is terminal.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// CanAdvance reports whether status may transition to next.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockVideo      BlockType = "video"
	BlockFile       BlockType = "file"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message body.
type ContentBlock struct {
	Type BlockType      `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Message is a persisted conversation message.
type Message struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"room_id"`
	SenderID   string         `json:"sender_id"`
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	Status     MessageStatus  `json:"status"`
	Channel    string         `json:"channel,omitempty"`
	BridgeID   string         `json:"bridge_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	ReplyToID  string         `json:"reply_to_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	InsertedAt time.Time      `json:"inserted_at"`
}

// PlainText joins the text blocks of the message body.
func (m Message) PlainText() string {
	parts := make([]string, 0, len(m.Content))
	for _, block := range m.Content {
		if block.Type == BlockText && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// DeadLetterStatus is the lifecycle state of a dead-letter record.
type DeadLetterStatus string

const (
	DeadLetterCaptured  DeadLetterStatus = "captured"
	DeadLetterReplaying DeadLetterStatus = "replaying"
	DeadLetterReplayed  DeadLetterStatus = "replayed"
	DeadLetterArchived  DeadLetterStatus = "archived"
)

// DeadLetterRequest snapshots the outbound request that failed.
type DeadLetterRequest struct {
	Operation         string         `json:"operation"`
	Channel           string         `json:"channel"`
	BridgeID          string         `json:"bridge_id"`
	ExternalRoomID    string         `json:"external_room_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	TextPayload       string         `json:"text_payload,omitempty"`
	MediaPayload      map[string]any `json:"media_payload,omitempty"`
	Opts              map[string]any `json:"opts,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	RoutingKey        string         `json:"routing_key,omitempty"`
	Priority          string         `json:"priority,omitempty"`
}

// DeadLetterDiagnostics captures gateway state at failure time.
type DeadLetterDiagnostics struct {
	Partition     int    `json:"partition"`
	QueueSize     int    `json:"queue_size"`
	PressureLevel string `json:"pressure_level,omitempty"`
	Attempts      int    `json:"attempts"`
}

// DeadLetterRecord is a terminally failed outbound request awaiting
// replay or archival.
type DeadLetterRecord struct {
	ID             string                `json:"id"`
	Instance       string                `json:"instance,omitempty"`
	Request        DeadLetterRequest     `json:"request"`
	Error          string                `json:"error"`
	Diagnostics    DeadLetterDiagnostics `json:"diagnostics"`
	Status         DeadLetterStatus      `json:"status"`
	ReplayAttempts int                   `json:"replay_attempts"`
	Response       map[string]any        `json:"response,omitempty"`
	InsertedAt     time.Time             `json:"inserted_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// RoomFilter narrows ListRooms results. Zero values match everything.
type RoomFilter struct {
	Type       RoomType
	NamePrefix string
}

// MessageFilter narrows ListMessages results.
type MessageFilter struct {
	Role   Role
	Status MessageStatus
	Before time.Time
	Limit  int
}

// DeadLetterFilter narrows ListDeadLetters results.
type DeadLetterFilter struct {
	Status   DeadLetterStatus
	BridgeID string
	Limit    int
}

// RoomAttrs seeds a room created through GetOrCreateRoomByExternalBinding.
type RoomAttrs struct {
	Type     RoomType
	Name     string
	Metadata map[string]any
}

// ParticipantAttrs seeds a participant created through
// GetOrCreateParticipantByExternalID.
type ParticipantAttrs struct {
	Type        ParticipantType
	Username    string
	DisplayName string
}
