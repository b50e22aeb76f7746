package adapter

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoop signals that a webhook payload was understood but requires no
// action beyond an acknowledgement (e.g. delivery receipts).
var ErrNoop = errors.New("adapter noop")

// ErrInvalidSignature indicates webhook verification failed.
var ErrInvalidSignature = errors.New("invalid signature")

// ErrUnsupported is returned deterministically by adapters for
// operations their platform cannot perform.
var ErrUnsupported = errors.New("unsupported operation")

// InvalidEventError reports a payload the adapter could not parse.
type InvalidEventError struct {
	Detail string
}

func (e *InvalidEventError) Error() string {
	if e.Detail == "" {
		return "invalid event"
	}
	return fmt.Sprintf("invalid event: %s", e.Detail)
}

// ErrorReason classifies a platform failure for retry decisions.
type ErrorReason string

const (
	ReasonNetwork        ErrorReason = "network"
	ReasonTimeout        ErrorReason = "timeout"
	ReasonRateLimited    ErrorReason = "rate_limited"
	ReasonServerError    ErrorReason = "server_error"
	ReasonAuth           ErrorReason = "auth"
	ReasonPermission     ErrorReason = "permission"
	ReasonInvalidPayload ErrorReason = "invalid_payload"
	ReasonUnsupported    ErrorReason = "unsupported"
	ReasonException      ErrorReason = "exception"
)

// Error is a classified platform failure. Adapters should wrap SDK
// errors in this type so the outbound gateway can decide retryability.
type Error struct {
	Reason  ErrorReason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// NewError builds a classified adapter error.
func NewError(reason ErrorReason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the reason indicates a transient condition.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonNetwork, ReasonTimeout, ReasonRateLimited, ReasonServerError:
		return true
	default:
		return false
	}
}

// Adapter is the base interface every platform adapter implements.
// All further behavior is expressed through the optional interfaces
// below, discovered by type assertion.
type Adapter interface {
	ChannelType() Channel
	Capabilities() CapabilitySet
}

// IncomingTransformer normalizes an already-parsed platform payload.
type IncomingTransformer interface {
	TransformIncoming(raw map[string]any) (Incoming, error)
}

// WebhookVerifier checks the authenticity of a webhook request.
// Implementations must be pure functions of the request meta and opts,
// and return ErrInvalidSignature on failure.
type WebhookVerifier interface {
	VerifyWebhook(meta RequestMeta, opts map[string]any) error
}

// EventParser turns a webhook request into a typed event envelope.
// It returns ErrNoop for ack-only payloads and *InvalidEventError for
// payloads it cannot understand.
type EventParser interface {
	ParseEvent(meta RequestMeta, opts map[string]any) (EventEnvelope, error)
}

// ResponseFormatter renders the routing result into the HTTP response
// the platform expects.
type ResponseFormatter interface {
	FormatWebhookResponse(result map[string]any, opts map[string]any) (WebhookResponse, error)
}

// MessageSender sends a plain-text message.
type MessageSender interface {
	SendMessage(ctx context.Context, externalRoomID, text string, opts map[string]any) (ProviderResult, error)
}

// MessageEditor edits a previously sent text message.
type MessageEditor interface {
	EditMessage(ctx context.Context, externalRoomID, externalMessageID, text string, opts map[string]any) (ProviderResult, error)
}

// MediaSender sends a media payload.
type MediaSender interface {
	SendMedia(ctx context.Context, externalRoomID string, payload map[string]any, opts map[string]any) (ProviderResult, error)
}

// MediaEditor replaces the media of a previously sent message.
type MediaEditor interface {
	EditMedia(ctx context.Context, externalRoomID, externalMessageID string, payload map[string]any, opts map[string]any) (ProviderResult, error)
}

// MentionParser extracts platform-specific mention spans from text.
type MentionParser interface {
	ParseMentions(text string, raw map[string]any) []Mention
}

// ListenerProvider declares long-lived workers the runtime should
// supervise alongside the bridge (e.g. webhook pollers).
type ListenerProvider interface {
	ListenerChildSpecs() []ListenerSpec
}
