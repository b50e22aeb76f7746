package ingest

import (
	"strings"

	"github.com/agentjido/messaging/internal/adapter"
)

// parseCommand attempts a (prefix, name, args) parse on the body, then
// on the body with a leading mention stripped, taking the first ok.
// Bodies longer than maxBytes skip parsing entirely.
func parseCommand(body, prefix string, maxBytes int) Command {
	if len(body) > maxBytes {
		return Command{Status: CommandNone}
	}
	if cmd := parseOne(body, prefix); cmd.Status != CommandNone {
		cmd.Source = SourceBody
		return cmd
	}
	stripped, ok := stripLeadingMention(body)
	if ok {
		if cmd := parseOne(stripped, prefix); cmd.Status != CommandNone {
			cmd.Source = SourceMentionStripped
			return cmd
		}
	}
	return Command{Status: CommandNone}
}

func parseOne(body, prefix string) Command {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, prefix) {
		return Command{Status: CommandNone}
	}
	rest := trimmed[len(prefix):]
	fields := strings.Fields(rest)
	if len(fields) == 0 || !validCommandName(fields[0]) {
		return Command{Prefix: prefix, Status: CommandError}
	}
	return Command{
		Prefix: prefix,
		Name:   strings.ToLower(fields[0]),
		Args:   fields[1:],
		Status: CommandOK,
	}
}

func validCommandName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return name != ""
}

// stripLeadingMention removes an "@name" token at the start of the body.
func stripLeadingMention(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "@") {
		return "", false
	}
	idx := strings.IndexAny(trimmed, " \t\n")
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(trimmed[idx:]), true
}

// mentionTargetSet builds a normalized lookup for was-mentioned checks.
func mentionTargetSet(targets []string) map[string]struct{} {
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(t, "@")))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// wasMentioned reports whether any mention hits a configured target,
// matching user id or username case-insensitively.
func wasMentioned(mentions []adapter.Mention, targets map[string]struct{}) bool {
	if len(targets) == 0 {
		return false
	}
	for _, m := range mentions {
		if _, ok := targets[strings.ToLower(m.Username)]; ok && m.Username != "" {
			return true
		}
		if _, ok := targets[strings.ToLower(m.UserID)]; ok && m.UserID != "" {
			return true
		}
	}
	return false
}

// mergeMentions combines adapter-supplied and parser-derived mentions,
// dropping exact duplicates by (offset, length, username, user id).
func mergeMentions(a, b []adapter.Mention) []adapter.Mention {
	if len(b) == 0 {
		return a
	}
	type key struct {
		offset, length   int
		username, userID string
	}
	seen := make(map[key]struct{}, len(a)+len(b))
	out := make([]adapter.Mention, 0, len(a)+len(b))
	for _, list := range [][]adapter.Mention{a, b} {
		for _, m := range list {
			k := key{m.Offset, m.Length, strings.ToLower(m.Username), m.UserID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
