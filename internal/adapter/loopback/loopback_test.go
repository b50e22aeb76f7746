package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentjido/messaging/internal/adapter"
)

func meta(body string, headers map[string]string) adapter.RequestMeta {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return adapter.RequestMeta{Headers: h, Body: []byte(body)}
}

func TestVerifyWebhookToken(t *testing.T) {
	t.Parallel()
	a := New()

	assert.NoError(t, a.VerifyWebhook(meta("{}", nil), nil))
	assert.NoError(t, a.VerifyWebhook(meta("{}", nil), map[string]any{}))

	opts := map[string]any{"token": "s3cret"}
	err := a.VerifyWebhook(meta("{}", nil), opts)
	assert.ErrorIs(t, err, adapter.ErrInvalidSignature)

	err = a.VerifyWebhook(meta("{}", map[string]string{"X-Loopback-Token": "s3cret"}), opts)
	assert.NoError(t, err)
}

func TestParseEventKinds(t *testing.T) {
	t.Parallel()
	a := New()

	ev, err := a.ParseEvent(meta(`{"kind":"message","room":"r1","user":"u1","id":"m1","text":"hi"}`, nil), nil)
	assert.NoError(t, err)
	assert.Equal(t, adapter.EventMessage, ev.EventType)
	assert.Equal(t, "r1", ev.ChannelID)
	assert.Equal(t, "m1", ev.MessageID)

	_, err = a.ParseEvent(meta(`{"kind":"ping"}`, nil), nil)
	assert.ErrorIs(t, err, adapter.ErrNoop)

	_, err = a.ParseEvent(meta(`{"kind":"subscribe"}`, nil), nil)
	var invalid *adapter.InvalidEventError
	assert.True(t, errors.As(err, &invalid))

	_, err = a.ParseEvent(meta(`not json`, nil), nil)
	assert.True(t, errors.As(err, &invalid))

	ev, err = a.ParseEvent(meta(`{"kind":"member_leave","room":"r1"}`, nil), nil)
	assert.NoError(t, err)
	assert.Equal(t, adapter.EventMemberLeave, ev.EventType)
}

func TestTransformIncoming(t *testing.T) {
	t.Parallel()
	a := New()

	raw := map[string]any{
		"kind": "message", "room": "r1", "user": "u1", "id": "m1",
		"text":     "hey @bob look",
		"username": "alice",
		"media":    []any{map[string]any{"type": "image", "url": "http://x/y.png", "mime": "image/png"}},
	}
	incoming, err := a.TransformIncoming(raw)
	assert.NoError(t, err)
	assert.Equal(t, "r1", incoming.ExternalRoomID)
	assert.Equal(t, "u1", incoming.ExternalUserID)
	assert.Equal(t, "alice", incoming.Username)
	if assert.Len(t, incoming.Media, 1) {
		assert.Equal(t, "image", incoming.Media[0].Type)
	}
	if assert.Len(t, incoming.Mentions, 1) {
		assert.Equal(t, "bob", incoming.Mentions[0].Username)
		assert.Equal(t, 4, incoming.Mentions[0].Offset)
		assert.Equal(t, 4, incoming.Mentions[0].Length)
	}

	_, err = a.TransformIncoming(map[string]any{"room": "r1"})
	var invalid *adapter.InvalidEventError
	assert.True(t, errors.As(err, &invalid))
}

func TestParseMentions(t *testing.T) {
	t.Parallel()
	a := New()

	cases := []struct {
		text string
		want []string
	}{
		{"no mentions here", nil},
		{"@alice hi", []string{"alice"}},
		{"cc @alice and @bob_2", []string{"alice", "bob_2"}},
		{"email me a@b.com", nil},
		{"bare @ sign", nil},
		{"(@alice)", []string{"alice"}},
	}
	for _, tc := range cases {
		mentions := a.ParseMentions(tc.text, nil)
		var names []string
		for _, m := range mentions {
			names = append(names, m.Username)
			assert.Equal(t, "@"+m.Username, tc.text[m.Offset:m.Offset+m.Length], tc.text)
		}
		assert.Equal(t, tc.want, names, tc.text)
	}
}

func TestOutboxRecordsAndDrains(t *testing.T) {
	t.Parallel()
	a := New()
	ctx := context.Background()

	res, err := a.SendMessage(ctx, "r1", "first", nil)
	assert.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	_, err = a.SendMedia(ctx, "r1", map[string]any{"type": "image"}, nil)
	assert.NoError(t, err)

	box := a.Outbox("r1")
	if assert.Len(t, box, 2) {
		assert.Equal(t, "send", box[0].Operation)
		assert.Equal(t, "send_media", box[1].Operation)
	}

	// Editing an unknown message is a terminal payload error.
	_, err = a.EditMessage(ctx, "r1", "missing", "new", nil)
	var aerr *adapter.Error
	if assert.True(t, errors.As(err, &aerr)) {
		assert.False(t, aerr.Reason.Retryable())
	}

	_, err = a.EditMessage(ctx, "r1", res.MessageID, "new", nil)
	assert.NoError(t, err)

	drained := a.Drain("r1")
	assert.Len(t, drained, 3)
	assert.Empty(t, a.Outbox("r1"))
}

func TestFormatWebhookResponse(t *testing.T) {
	t.Parallel()
	a := New()

	resp, err := a.FormatWebhookResponse(map[string]any{"status": 200, "outcome": "ok", "message_id": "m1"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	data, err := json.Marshal(resp.Body)
	assert.NoError(t, err)
	var body map[string]any
	assert.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "ok", body["outcome"])

	resp, err = a.FormatWebhookResponse(map[string]any{"status": 503, "outcome": "bridge_disabled"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 503, resp.Status)
}
