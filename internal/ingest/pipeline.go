package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/dedupe"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/store"
)

// TimeoutPolicy decides what a hook timeout means.
const (
	TimeoutDeny          = "deny"
	TimeoutAllowWithFlag = "allow_with_flag"
)

// Pipeline runs the inbound stages in order. It is safe for concurrent
// use; per-message state lives in the MsgContext.
type Pipeline struct {
	store      store.Store
	deduper    *dedupe.Deduper
	registry   *adapter.Registry
	bus        *signal.Bus
	observer   observe.Observer
	log        *slog.Logger
	gaters     []Gater
	moderators []Moderator
	deliverer  Deliverer

	hookTimeout    time.Duration
	timeoutPolicy  string
	commandPrefix  string
	maxTextBytes   int
	mentionTargets map[string]struct{}
}

// Options configures a Pipeline.
type Options struct {
	Store      store.Store
	Deduper    *dedupe.Deduper
	Registry   *adapter.Registry
	Bus        *signal.Bus
	Observer   observe.Observer
	Gaters     []Gater
	Moderators []Moderator
	Deliverer  Deliverer
	Config     config.IngestConfig
}

// NewPipeline wires a Pipeline from options. Store, Deduper, and
// Registry are required.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Deduper == nil || opts.Registry == nil {
		return nil, fmt.Errorf("ingest pipeline requires store, deduper and registry")
	}
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop{}
	}
	cfg := opts.Config
	if cfg.GaterTimeout <= 0 {
		cfg.GaterTimeout = config.Duration(config.DefaultGaterTimeout)
	}
	if cfg.CommandMaxTextBytes <= 0 {
		cfg.CommandMaxTextBytes = config.DefaultCommandMaxTextBytes
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = config.DefaultCommandPrefix
	}
	if cfg.TimeoutPolicy == "" {
		cfg.TimeoutPolicy = TimeoutDeny
	}
	return &Pipeline{
		store:          opts.Store,
		deduper:        opts.Deduper,
		registry:       opts.Registry,
		bus:            opts.Bus,
		observer:       obs,
		log:            logger.L.With(slog.String("component", "ingest")),
		gaters:         opts.Gaters,
		moderators:     opts.Moderators,
		deliverer:      opts.Deliverer,
		hookTimeout:    cfg.GaterTimeout.Std(),
		timeoutPolicy:  cfg.TimeoutPolicy,
		commandPrefix:  cfg.CommandPrefix,
		maxTextBytes:   cfg.CommandMaxTextBytes,
		mentionTargets: mentionTargetSet(cfg.MentionTargets),
	}, nil
}

// Ingest drives one inbound message through the pipeline.
func (p *Pipeline) Ingest(ctx context.Context, channel, bridgeID string, in adapter.Incoming) Result {
	start := time.Now()
	res := p.run(ctx, channel, bridgeID, in)
	p.observer.IngestOutcome(channel, string(res.Kind), time.Since(start))
	return res
}

func (p *Pipeline) run(ctx context.Context, channel, bridgeID string, in adapter.Incoming) Result {
	channel = strings.ToLower(strings.TrimSpace(channel))

	// Fingerprint + dedupe. Duplicates produce no persistence and no
	// signals.
	fp := dedupe.Fingerprint(channel+"/"+bridgeID, in.ExternalMessageID,
		in.ExternalUserID, in.ExternalRoomID, in.Text, in.Timestamp)
	if p.deduper.CheckAndMark(fp) {
		p.observer.IngestStage(channel, "dedupe", "duplicate")
		return Result{Kind: OutcomeDuplicate, Fingerprint: fp}
	}
	p.observer.IngestStage(channel, "dedupe", "fresh")

	room, created, err := p.store.GetOrCreateRoomByExternalBinding(ctx, channel, bridgeID, in.ExternalRoomID, store.RoomAttrs{
		Type: roomTypeOf(in.ChatType),
	})
	if err != nil {
		return Result{Kind: OutcomeError, Fingerprint: fp, Err: fmt.Errorf("resolve room: %w", err)}
	}
	if created {
		p.publish(signal.TopicRoomCreated, map[string]any{
			"room_id":   room.ID,
			"channel":   channel,
			"bridge_id": bridgeID,
		})
	}

	participant, _, err := p.store.GetOrCreateParticipantByExternalID(ctx, channel, in.ExternalUserID, store.ParticipantAttrs{
		Username:    in.Username,
		DisplayName: in.DisplayName,
	})
	if err != nil {
		return Result{Kind: OutcomeError, Fingerprint: fp, Err: fmt.Errorf("resolve participant: %w", err)}
	}

	mc := &MsgContext{
		Room:              room,
		Participant:       participant,
		Channel:           channel,
		BridgeID:          bridgeID,
		ExternalRoomID:    in.ExternalRoomID,
		ExternalUserID:    in.ExternalUserID,
		ExternalMessageID: in.ExternalMessageID,
		Body:              in.Text,
		Media:             in.Media,
		Raw:               in.Raw,
		Mentions:          in.Mentions,
	}

	// Mentions: adapter parser output merged with what the transform
	// already supplied.
	if parser, ok := p.registry.GetMentionParser(adapter.Channel(channel)); ok {
		mc.Mentions = mergeMentions(mc.Mentions, parser.ParseMentions(mc.Body, mc.Raw))
	}
	mc.WasMentioned = wasMentioned(mc.Mentions, p.mentionTargets)
	mc.Command = parseCommand(mc.Body, p.commandPrefix, p.maxTextBytes)
	p.observer.IngestStage(channel, "normalize", string(mc.Command.Status))

	if denial := p.runHooks(ctx, "gate", gatersAsHooks(p.gaters), mc); denial != nil {
		p.observer.IngestStage(channel, "gate", "deny")
		return Result{Kind: OutcomeDenied, Fingerprint: fp, Ctx: mc, Denial: denial}
	}
	p.observer.IngestStage(channel, "gate", "allow")

	if denial := p.runHooks(ctx, "moderate", moderatorsAsHooks(p.moderators), mc); denial != nil {
		p.observer.IngestStage(channel, "moderate", "deny")
		return Result{Kind: OutcomeDenied, Fingerprint: fp, Ctx: mc, Denial: denial}
	}
	p.observer.IngestStage(channel, "moderate", "allow")

	msg, err := p.persist(ctx, mc)
	if err != nil {
		return Result{Kind: OutcomeError, Fingerprint: fp, Ctx: mc, Err: err}
	}
	p.observer.IngestStage(channel, "persist", "saved")

	payload := map[string]any{
		"message_id": msg.ID,
		"room_id":    room.ID,
		"channel":    channel,
		"bridge_id":  bridgeID,
	}
	p.publish(signal.TopicMessageReceived, payload)
	p.publish(signal.TopicRoomMessageAdded, payload)

	if p.deliverer != nil {
		if err := p.deliverer.Deliver(ctx, msg, mc); err != nil {
			p.log.Warn("room delivery failed",
				slog.String("room_id", room.ID),
				slog.Any("error", err))
		}
	}
	return Result{Kind: OutcomeOK, Fingerprint: fp, Message: msg, Ctx: mc}
}

type hook struct {
	name  string
	check func(ctx context.Context, mc *MsgContext) Verdict
}

func gatersAsHooks(gaters []Gater) []hook {
	out := make([]hook, len(gaters))
	for i, g := range gaters {
		out[i] = hook{name: g.Name(), check: g.Check}
	}
	return out
}

func moderatorsAsHooks(moderators []Moderator) []hook {
	out := make([]hook, len(moderators))
	for i, m := range moderators {
		out[i] = hook{name: m.Name(), check: m.Check}
	}
	return out
}

// runHooks applies each hook under the per-check timeout. A deny
// verdict short-circuits and is returned as a Denial.
func (p *Pipeline) runHooks(ctx context.Context, stage string, hooks []hook, mc *MsgContext) *Denial {
	for _, h := range hooks {
		verdict, timedOut := p.checkWithTimeout(ctx, h, mc)
		if timedOut {
			if p.timeoutPolicy == TimeoutAllowWithFlag {
				mc.Flags = append(mc.Flags, stage+"_timeout:"+h.name)
				continue
			}
			return &Denial{Reason: "timeout", Stage: stage, Module: h.name}
		}
		switch verdict.Action {
		case ActionAllow:
		case ActionDeny:
			return &Denial{Reason: verdict.Reason, Stage: stage, Module: h.name}
		case ActionModify:
			mc.Body = verdict.Body
		case ActionFlag:
			mc.Flags = append(mc.Flags, verdict.Tag)
		}
	}
	return nil
}

func (p *Pipeline) checkWithTimeout(ctx context.Context, h hook, mc *MsgContext) (Verdict, bool) {
	hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
	defer cancel()
	done := make(chan Verdict, 1)
	go func() {
		done <- h.check(hctx, mc)
	}()
	select {
	case v := <-done:
		return v, false
	case <-hctx.Done():
		return Verdict{}, true
	}
}

func (p *Pipeline) persist(ctx context.Context, mc *MsgContext) (store.Message, error) {
	blocks := make([]store.ContentBlock, 0, 1+len(mc.Media))
	if strings.TrimSpace(mc.Body) != "" {
		blocks = append(blocks, store.TextBlock(mc.Body))
	}
	for _, item := range mc.Media {
		blocks = append(blocks, mediaBlock(item))
	}
	var meta map[string]any
	if len(mc.Flags) > 0 {
		meta = map[string]any{"flags": mc.Flags}
	}
	msg := store.Message{
		RoomID:     mc.Room.ID,
		SenderID:   mc.Participant.ID,
		Role:       store.RoleUser,
		Content:    blocks,
		Status:     store.StatusSent,
		Channel:    mc.Channel,
		BridgeID:   mc.BridgeID,
		ExternalID: mc.ExternalMessageID,
		Metadata:   meta,
	}
	saved, err := p.store.SaveMessage(ctx, msg)
	if err != nil {
		return store.Message{}, fmt.Errorf("persist message: %w", err)
	}
	return saved, nil
}

func mediaBlock(item adapter.MediaItem) store.ContentBlock {
	blockType := store.BlockFile
	switch item.Type {
	case "image":
		blockType = store.BlockImage
	case "audio":
		blockType = store.BlockAudio
	case "video":
		blockType = store.BlockVideo
	}
	data := map[string]any{}
	if item.URL != "" {
		data["url"] = item.URL
	}
	if item.FileID != "" {
		data["file_id"] = item.FileID
	}
	if item.Mime != "" {
		data["mime"] = item.Mime
	}
	if item.Size > 0 {
		data["size"] = item.Size
	}
	return store.ContentBlock{Type: blockType, Text: item.Caption, Data: data}
}

func roomTypeOf(chatType string) store.RoomType {
	switch strings.ToLower(chatType) {
	case "direct", "private", "dm":
		return store.RoomDirect
	case "channel", "supergroup":
		return store.RoomChannel
	case "thread":
		return store.RoomThread
	default:
		return store.RoomGroup
	}
}

func (p *Pipeline) publish(topic string, payload map[string]any) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}
