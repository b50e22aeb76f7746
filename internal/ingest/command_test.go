package ingest

import (
	"strings"
	"testing"

	"github.com/agentjido/messaging/internal/adapter"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		status CommandStatus
		source CommandSource
		cmd    string
		args   []string
	}{
		{name: "plain command", body: "/help", status: CommandOK, source: SourceBody, cmd: "help"},
		{name: "command with args", body: "/ban user_7 spam", status: CommandOK, source: SourceBody, cmd: "ban", args: []string{"user_7", "spam"}},
		{name: "mention stripped", body: "@bot /status now", status: CommandOK, source: SourceMentionStripped, cmd: "status", args: []string{"now"}},
		{name: "uppercase normalized", body: "/HELP", status: CommandOK, source: SourceBody, cmd: "help"},
		{name: "not a command", body: "hello there", status: CommandNone},
		{name: "bare prefix", body: "/", status: CommandError},
		{name: "invalid name", body: "/he!lp", status: CommandError},
		{name: "mention without command", body: "@bot hello", status: CommandNone},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseCommand(tt.body, "/", 2048)
			if got.Status != tt.status {
				t.Fatalf("status = %s, want %s", got.Status, tt.status)
			}
			if tt.status != CommandOK {
				return
			}
			if got.Source != tt.source {
				t.Fatalf("source = %s, want %s", got.Source, tt.source)
			}
			if got.Name != tt.cmd {
				t.Fatalf("name = %s, want %s", got.Name, tt.cmd)
			}
			if len(got.Args) != len(tt.args) {
				t.Fatalf("args = %v, want %v", got.Args, tt.args)
			}
		})
	}
}

func TestParseCommandLengthBound(t *testing.T) {
	t.Parallel()
	max := 32
	atLimit := "/echo " + strings.Repeat("a", max-6)
	if len(atLimit) != max {
		t.Fatalf("test setup: body is %d bytes, want %d", len(atLimit), max)
	}
	if got := parseCommand(atLimit, "/", max); got.Status != CommandOK {
		t.Fatalf("body at limit should parse, got %s", got.Status)
	}
	if got := parseCommand(atLimit+"a", "/", max); got.Status != CommandNone {
		t.Fatalf("body over limit should skip parsing, got %s", got.Status)
	}
}

func TestWasMentioned(t *testing.T) {
	t.Parallel()
	targets := mentionTargetSet([]string{"@Bot", "assistant-1"})

	mentions := []adapter.Mention{{Username: "BOT", Offset: 0, Length: 4}}
	if !wasMentioned(mentions, targets) {
		t.Fatalf("case-insensitive username match failed")
	}
	if wasMentioned([]adapter.Mention{{Username: "someone"}}, targets) {
		t.Fatalf("unrelated mention matched")
	}
	if wasMentioned(mentions, mentionTargetSet(nil)) {
		t.Fatalf("empty target set should never match")
	}
	if !wasMentioned([]adapter.Mention{{UserID: "assistant-1"}}, targets) {
		t.Fatalf("user id match failed")
	}
}

func TestMergeMentions(t *testing.T) {
	t.Parallel()
	a := []adapter.Mention{{Username: "bot", Offset: 0, Length: 4}}
	b := []adapter.Mention{
		{Username: "Bot", Offset: 0, Length: 4},
		{Username: "other", Offset: 10, Length: 6},
	}
	merged := mergeMentions(a, b)
	if len(merged) != 2 {
		t.Fatalf("expected duplicate collapsed to 2 mentions, got %d", len(merged))
	}
}
