// Package ingest implements the inbound pipeline: fingerprint, dedupe,
// resolve, normalize, gate, moderate, persist, signal, deliver.
package ingest

import (
	"context"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/store"
)

// MsgContext is the working state of one inbound message as it moves
// through the pipeline. Gaters and moderators may rewrite Body and
// append Flags.
type MsgContext struct {
	Room              store.Room
	Participant       store.Participant
	Channel           string
	BridgeID          string
	ExternalRoomID    string
	ExternalUserID    string
	ExternalMessageID string
	Body              string
	Media             []adapter.MediaItem
	Raw               map[string]any
	Mentions          []adapter.Mention
	Command           Command
	WasMentioned      bool
	Flags             []string
}

// CommandStatus reports how command parsing went.
type CommandStatus string

const (
	CommandOK    CommandStatus = "ok"
	CommandError CommandStatus = "error"
	CommandNone  CommandStatus = "none"
)

// CommandSource records which form of the body parsed successfully.
type CommandSource string

const (
	SourceBody            CommandSource = "body"
	SourceMentionStripped CommandSource = "mention_stripped"
)

// Command is the parsed slash-command of a message, if any.
type Command struct {
	Prefix string        `json:"prefix,omitempty"`
	Name   string        `json:"name,omitempty"`
	Args   []string      `json:"args,omitempty"`
	Status CommandStatus `json:"status"`
	Source CommandSource `json:"source,omitempty"`
}

// VerdictAction is a policy hook's decision.
type VerdictAction string

const (
	ActionAllow  VerdictAction = "allow"
	ActionDeny   VerdictAction = "deny"
	ActionModify VerdictAction = "modify"
	ActionFlag   VerdictAction = "flag"
)

// Verdict is the outcome of one gater or moderator check.
type Verdict struct {
	Action VerdictAction
	Reason string
	Body   string
	Tag    string
}

// Allow passes the message through unchanged.
func Allow() Verdict { return Verdict{Action: ActionAllow} }

// Deny rejects the message with a reason; the pipeline short-circuits.
func Deny(reason string) Verdict { return Verdict{Action: ActionDeny, Reason: reason} }

// Modify rewrites the message body and continues.
func Modify(body string) Verdict { return Verdict{Action: ActionModify, Body: body} }

// Flag tags the message and continues.
func Flag(tag string) Verdict { return Verdict{Action: ActionFlag, Tag: tag} }

// Gater screens messages before moderation. Checks must honor ctx; the
// pipeline enforces a per-check timeout.
type Gater interface {
	Name() string
	Check(ctx context.Context, mc *MsgContext) Verdict
}

// Moderator runs after gating on the possibly modified context.
type Moderator interface {
	Name() string
	Check(ctx context.Context, mc *MsgContext) Verdict
}

// Deliverer receives persisted messages for room-level processing.
type Deliverer interface {
	Deliver(ctx context.Context, msg store.Message, mc *MsgContext) error
}

// OutcomeKind is the terminal result of an ingest call.
type OutcomeKind string

const (
	OutcomeOK        OutcomeKind = "ok"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeDenied    OutcomeKind = "denied"
	OutcomeError     OutcomeKind = "error"
)

// Denial carries the audit metadata of a policy rejection.
type Denial struct {
	Reason string `json:"reason"`
	Stage  string `json:"stage"`
	Module string `json:"module"`
}

// Result is what Ingest returns to the caller.
type Result struct {
	Kind        OutcomeKind
	Fingerprint string
	Message     store.Message
	Ctx         *MsgContext
	Denial      *Denial
	Err         error
}
