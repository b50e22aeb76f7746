// Package outbound delivers messages to platforms through a partitioned
// gateway: per-route FIFO, bounded queues with pressure-based admission,
// retries with exponential backoff, idempotency caching, and dead-letter
// capture for terminal failures.
package outbound

import (
	"context"
	"fmt"

	"github.com/agentjido/messaging/internal/adapter"
)

// Operation names a gateway operation.
type Operation string

const (
	OpSend      Operation = "send"
	OpEdit      Operation = "edit"
	OpSendMedia Operation = "send_media"
	OpEditMedia Operation = "edit_media"
)

// Priority orders requests for load shedding decisions.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Request is one outbound delivery job.
type Request struct {
	Operation         Operation      `json:"operation" validate:"required,oneof=send edit send_media edit_media"`
	Channel           string         `json:"channel" validate:"required"`
	BridgeID          string         `json:"bridge_id" validate:"required"`
	ExternalRoomID    string         `json:"external_room_id" validate:"required"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	Media             map[string]any `json:"media,omitempty"`
	Opts              map[string]any `json:"opts,omitempty"`
	RoutingKey        string         `json:"routing_key,omitempty"`
	Priority          Priority       `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	// DeadLetterReplay marks a request resubmitted from the dead-letter
	// store; terminal failures of replays are not captured again.
	DeadLetterReplay bool `json:"dead_letter_replay,omitempty"`
}

// Success is a completed delivery.
type Success struct {
	MessageID    string         `json:"message_id,omitempty"`
	Attempts     int            `json:"attempts"`
	Idempotent   bool           `json:"idempotent,omitempty"`
	Fallback     bool           `json:"fallback,omitempty"`
	FallbackMode string         `json:"fallback_mode,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// Category buckets a failure for retry decisions.
type Category string

const (
	CategoryRetryable Category = "retryable"
	CategoryTerminal  Category = "terminal"
)

// Error is the full classification envelope of a failed delivery.
type Error struct {
	Category     Category  `json:"category"`
	Disposition  string    `json:"disposition"`
	Operation    Operation `json:"operation"`
	Reason       string    `json:"reason"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	Partition    int       `json:"partition"`
	RoutingKey   string    `json:"routing_key,omitempty"`
	Retryable    bool      `json:"retryable"`
	DeadLetterID string    `json:"dead_letter_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("outbound %s failed: %s (category=%s attempt=%d/%d)",
		e.Operation, e.Reason, e.Category, e.Attempt, e.MaxAttempts)
}

// Security sanitizes outbound payloads before they reach an adapter.
type Security interface {
	SanitizeOutbound(text string, opts map[string]any) (string, error)
}

// NopSecurity passes text through unchanged.
type NopSecurity struct{}

func (NopSecurity) SanitizeOutbound(text string, opts map[string]any) (string, error) {
	return text, nil
}

// MediaDecisionKind is the outcome of a media preflight.
type MediaDecisionKind string

const (
	MediaOK           MediaDecisionKind = "ok"
	MediaFallbackText MediaDecisionKind = "fallback_text"
	MediaError        MediaDecisionKind = "error"
)

// MediaDecision is a MediaPolicy verdict. On MediaOK the returned
// payload is sent; on MediaFallbackText the text is sent instead and
// the response marked as a fallback; on MediaError the job fails
// terminally with the reason.
type MediaDecision struct {
	Kind     MediaDecisionKind
	Payload  map[string]any
	Text     string
	Reason   string
	Metadata map[string]any
}

// MediaPolicy validates media payloads against channel limits and
// capabilities before dispatch.
type MediaPolicy interface {
	PrepareOutbound(channel string, caps adapter.CapabilitySet, payload map[string]any) MediaDecision
}

// PermissiveMediaPolicy accepts every payload unchanged.
type PermissiveMediaPolicy struct{}

func (PermissiveMediaPolicy) PrepareOutbound(channel string, caps adapter.CapabilitySet, payload map[string]any) MediaDecision {
	return MediaDecision{Kind: MediaOK, Payload: payload}
}

// FailureDiagnostics snapshots partition state for dead-letter capture.
type FailureDiagnostics struct {
	Partition     int
	QueueSize     int
	PressureLevel string
	Attempts      int
}

// DeadLetterSink captures terminal outbound failures. Implemented by
// the dead-letter service; a nil sink disables capture.
type DeadLetterSink interface {
	CaptureOutboundFailure(ctx context.Context, req Request, reason string, diag FailureDiagnostics) (string, error)
}
