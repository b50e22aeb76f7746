// Package runtime assembles the messaging components into one Instance
// and exposes the public API: CRUD over rooms, participants and
// messages, bridge and routing configuration, inbound webhook routing,
// outbound delivery, dead-letter management and signal subscription.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/bridge"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/deadletter"
	"github.com/agentjido/messaging/internal/dedupe"
	"github.com/agentjido/messaging/internal/ingest"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/outbound"
	"github.com/agentjido/messaging/internal/room"
	"github.com/agentjido/messaging/internal/router"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/store"
	"github.com/agentjido/messaging/internal/supervisor"
)

// Options carries the pluggable pieces of an Instance. Registry is
// required; everything else has a working default.
type Options struct {
	Config      config.Config
	Store       store.Store
	Registry    *adapter.Registry
	Observer    observe.Observer
	Handler     room.Handler
	Gaters      []ingest.Gater
	Moderators  []ingest.Moderator
	Security    outbound.Security
	MediaPolicy outbound.MediaPolicy
}

// Instance is one running messaging runtime.
type Instance struct {
	cfg      config.Config
	store    store.Store
	registry *adapter.Registry
	observer observe.Observer
	log      *slog.Logger

	bus         *signal.Bus
	configs     *configstore.ConfigStore
	deduper     *dedupe.Deduper
	gateway     *outbound.Gateway
	outRouter   *outbound.Router
	deadLetters *deadletter.Service
	pipeline    *ingest.Pipeline
	inRouter    *router.Router
	rooms       *room.Manager
	bridges     *bridge.Manager
	sup         *supervisor.Supervisor

	accepting atomic.Bool
	cancel    context.CancelFunc
	done      chan error
}

// New builds an Instance from options. Nothing runs until Start.
func New(opts Options) (*Instance, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("runtime requires an adapter registry")
	}
	cfg := config.ApplyDefaults(opts.Config)
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop{}
	}

	bus := signal.NewBus(cfg.Signal.SubscriberBuffer, obs)
	configs := configstore.New(bus)
	deduper := dedupe.New(cfg.Ingest.DedupeMaxEntries, cfg.Ingest.DedupeTTL.Std())

	deadLetters, err := deadletter.New(deadletter.Options{
		Store:      st,
		Bus:        bus,
		Observer:   obs,
		Partitions: cfg.Replay.Partitions,
	})
	if err != nil {
		configs.Close()
		return nil, err
	}
	gateway, err := outbound.NewGateway(outbound.GatewayOptions{
		Registry:    opts.Registry,
		Security:    opts.Security,
		MediaPolicy: opts.MediaPolicy,
		DeadLetters: deadLetters,
		Bus:         bus,
		Observer:    obs,
		Config:      cfg.Outbound,
	})
	if err != nil {
		configs.Close()
		return nil, err
	}
	deadLetters.SetGateway(gateway)
	outRouter := outbound.NewRouter(configs, gateway)

	sup := supervisor.New("messaging-root", obs)

	rooms, err := room.NewManager(room.ManagerOptions{
		Store:     st,
		Router:    outRouter,
		Handler:   opts.Handler,
		Sup:       sup,
		RingSize:  cfg.Room.RingSize,
		InboxSize: cfg.Room.InboxSize,
	})
	if err != nil {
		configs.Close()
		return nil, err
	}

	pipeline, err := ingest.NewPipeline(ingest.Options{
		Store:      st,
		Deduper:    deduper,
		Registry:   opts.Registry,
		Bus:        bus,
		Observer:   obs,
		Gaters:     opts.Gaters,
		Moderators: opts.Moderators,
		Deliverer:  rooms,
		Config:     cfg.Ingest,
	})
	if err != nil {
		configs.Close()
		return nil, err
	}

	bridges := bridge.NewManager(bridge.ManagerOptions{
		Configs:  configs,
		Registry: opts.Registry,
		Sup:      sup,
		Bus:      bus,
		Observer: obs,
	})

	inst := &Instance{
		cfg:         cfg,
		store:       st,
		registry:    opts.Registry,
		observer:    obs,
		log:         logger.L.With(slog.String("component", "runtime")),
		bus:         bus,
		configs:     configs,
		deduper:     deduper,
		gateway:     gateway,
		outRouter:   outRouter,
		deadLetters: deadLetters,
		pipeline:    pipeline,
		inRouter:    router.New(configs, opts.Registry, pipeline),
		rooms:       rooms,
		bridges:     bridges,
		sup:         sup,
	}
	return inst, nil
}

// Start mounts the static workers under the root supervisor and begins
// accepting traffic. The supervisor tree runs until Stop or escalation.
func (i *Instance) Start(ctx context.Context) error {
	for _, spec := range i.gateway.ChildSpecs() {
		if err := i.sup.StartChild(spec); err != nil {
			return fmt.Errorf("start outbound partition: %w", err)
		}
	}
	for _, spec := range i.deadLetters.ChildSpecs() {
		if err := i.sup.StartChild(spec); err != nil {
			return fmt.Errorf("start replay partition: %w", err)
		}
	}
	err := i.sup.StartChild(supervisor.Spec{
		Name:      "bridge-manager",
		Start:     i.bridges.Run,
		Intensity: supervisor.RootIntensity,
	})
	if err != nil {
		return fmt.Errorf("start bridge manager: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.cancel = cancel
	i.done = make(chan error, 1)
	go func() { i.done <- i.sup.Run(runCtx) }()

	i.accepting.Store(true)
	i.log.Info("runtime started",
		slog.Int("outbound_partitions", len(i.gateway.ChildSpecs())),
		slog.Int("replay_partitions", len(i.deadLetters.ChildSpecs())))
	return nil
}

// Stop shuts the runtime down gracefully: new ingest is refused first,
// then outbound queues drain until empty or the deadline passes, then
// the worker tree is stopped. Jobs still queued at that point become
// dead letters.
func (i *Instance) Stop(ctx context.Context) error {
	i.accepting.Store(false)

	deadline := time.Now().Add(i.cfg.Shutdown.DrainDeadline.Std())
	for time.Now().Before(deadline) {
		if i.queuedJobs() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(20 * time.Millisecond):
		}
	}
	if n := i.queuedJobs(); n > 0 {
		i.log.Warn("drain deadline passed with queued jobs", slog.Int("queued", n))
	}

	if i.cancel != nil {
		i.cancel()
		select {
		case err := <-i.done:
			if err != nil {
				i.log.Warn("supervisor exited with error", slog.Any("error", err))
			}
		case <-ctx.Done():
		}
	}
	i.configs.Close()
	i.log.Info("runtime stopped")
	return nil
}

func (i *Instance) queuedJobs() int {
	total := 0
	for _, depth := range i.gateway.QueueDepths() {
		total += depth
	}
	return total
}

// Config returns the effective configuration.
func (i *Instance) Config() config.Config { return i.cfg }

// Store exposes the backing store.
func (i *Instance) Store() store.Store { return i.store }

// Rooms

func (i *Instance) SaveRoom(ctx context.Context, r store.Room) (store.Room, error) {
	return i.store.SaveRoom(ctx, r)
}

func (i *Instance) GetRoom(ctx context.Context, id string) (store.Room, error) {
	return i.store.GetRoom(ctx, id)
}

func (i *Instance) ListRooms(ctx context.Context, filter store.RoomFilter) ([]store.Room, error) {
	return i.store.ListRooms(ctx, filter)
}

func (i *Instance) DeleteRoom(ctx context.Context, id string) error {
	return i.store.DeleteRoom(ctx, id)
}

func (i *Instance) GetOrCreateRoomByExternalBinding(ctx context.Context, channel, bridgeID, externalID string, attrs store.RoomAttrs) (store.Room, bool, error) {
	return i.store.GetOrCreateRoomByExternalBinding(ctx, channel, bridgeID, externalID, attrs)
}

// Participants

func (i *Instance) SaveParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	return i.store.SaveParticipant(ctx, p)
}

func (i *Instance) GetParticipant(ctx context.Context, id string) (store.Participant, error) {
	return i.store.GetParticipant(ctx, id)
}

func (i *Instance) GetOrCreateParticipantByExternalID(ctx context.Context, channel, externalID string, attrs store.ParticipantAttrs) (store.Participant, bool, error) {
	return i.store.GetOrCreateParticipantByExternalID(ctx, channel, externalID, attrs)
}

func (i *Instance) FindParticipantByUsername(ctx context.Context, username string) (store.Participant, error) {
	return i.store.FindParticipantByUsername(ctx, username)
}

// Messages

func (i *Instance) GetMessage(ctx context.Context, id string) (store.Message, error) {
	return i.store.GetMessage(ctx, id)
}

func (i *Instance) ListMessages(ctx context.Context, roomID string, filter store.MessageFilter) ([]store.Message, error) {
	return i.store.ListMessages(ctx, roomID, filter)
}

// Room bindings

func (i *Instance) CreateRoomBinding(ctx context.Context, b configstore.RoomBinding) (configstore.RoomBinding, error) {
	return i.configs.PutBinding(ctx, b)
}

func (i *Instance) ListRoomBindings(roomID string) []configstore.RoomBinding {
	return i.configs.Snapshot().BindingsForRoom(roomID)
}

func (i *Instance) DeleteRoomBinding(ctx context.Context, bindingID string) error {
	return i.configs.DeleteBinding(ctx, bindingID)
}

// Bridge configs

func (i *Instance) PutBridgeConfig(ctx context.Context, cfg configstore.BridgeConfig) (configstore.BridgeConfig, error) {
	return i.configs.PutBridge(ctx, cfg)
}

func (i *Instance) GetBridgeConfig(id string) (configstore.BridgeConfig, bool) {
	return i.configs.Snapshot().Bridge(id)
}

func (i *Instance) ListBridgeConfigs() []configstore.BridgeConfig {
	return i.configs.Snapshot().Bridges()
}

func (i *Instance) DeleteBridgeConfig(ctx context.Context, id string) error {
	return i.configs.DeleteBridge(ctx, id)
}

// Routing policies

func (i *Instance) PutRoutingPolicy(ctx context.Context, p configstore.RoutingPolicy) (configstore.RoutingPolicy, error) {
	return i.configs.PutPolicy(ctx, p)
}

func (i *Instance) GetRoutingPolicy(roomID string) (configstore.RoutingPolicy, bool) {
	return i.configs.Snapshot().Policy(roomID)
}

func (i *Instance) DeleteRoutingPolicy(ctx context.Context, roomID string) error {
	return i.configs.DeletePolicy(ctx, roomID)
}

// Inbound

// RouteWebhook routes one webhook request. During shutdown every
// request is refused with a 503 before touching the adapter.
func (i *Instance) RouteWebhook(ctx context.Context, bridgeID string, meta adapter.RequestMeta) (adapter.WebhookResponse, router.Result) {
	if !i.accepting.Load() {
		result := router.Result{Status: router.StatusShuttingDown, Reason: "runtime is shutting down"}
		return adapter.WebhookResponse{
			Status: result.HTTPStatus(),
			Body:   map[string]any{"status": result.HTTPStatus(), "outcome": string(result.Status)},
		}, result
	}
	resp, result := i.inRouter.RouteWebhook(ctx, bridgeID, meta)
	if result.Status == router.StatusOK {
		i.bridges.MarkIngress(bridgeID)
	}
	return resp, result
}

func (i *Instance) RoutePayload(ctx context.Context, bridgeID string, payload map[string]any) router.Result {
	if !i.accepting.Load() {
		return router.Result{Status: router.StatusShuttingDown, Reason: "runtime is shutting down"}
	}
	result := i.inRouter.RoutePayload(ctx, bridgeID, payload)
	if result.Status == router.StatusOK {
		i.bridges.MarkIngress(bridgeID)
	}
	return result
}

// Outbound

func (i *Instance) ResolveOutboundRoutes(roomID string) []configstore.RoomBinding {
	return i.outRouter.ResolveOutboundRoutes(roomID)
}

func (i *Instance) RouteOutbound(ctx context.Context, roomID, text string, opts map[string]any) ([]outbound.Dispatch, error) {
	dispatches, err := i.outRouter.RouteOutbound(ctx, roomID, text, opts)
	i.markOutbound(dispatches)
	return dispatches, err
}

func (i *Instance) RouteOutboundMedia(ctx context.Context, roomID string, payload, opts map[string]any) ([]outbound.Dispatch, error) {
	dispatches, err := i.outRouter.RouteOutboundMedia(ctx, roomID, payload, opts)
	i.markOutbound(dispatches)
	return dispatches, err
}

// SubmitOutbound bypasses routing and submits directly to the gateway.
func (i *Instance) SubmitOutbound(ctx context.Context, req outbound.Request) (outbound.Success, error) {
	success, err := i.gateway.Submit(ctx, req)
	if err == nil {
		i.bridges.MarkOutbound(req.BridgeID)
	}
	return success, err
}

func (i *Instance) markOutbound(dispatches []outbound.Dispatch) {
	for _, d := range dispatches {
		if d.Status == outbound.DispatchOK {
			i.bridges.MarkOutbound(d.BridgeID)
		}
	}
}

// Dead letters

func (i *Instance) ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]store.DeadLetterRecord, error) {
	return i.deadLetters.List(ctx, filter)
}

func (i *Instance) GetDeadLetter(ctx context.Context, id string) (store.DeadLetterRecord, error) {
	return i.deadLetters.Get(ctx, id)
}

func (i *Instance) ReplayDeadLetter(ctx context.Context, id string, opts deadletter.ReplayOptions) (deadletter.ReplayResult, error) {
	return i.deadLetters.Replay(ctx, id, opts)
}

func (i *Instance) ArchiveDeadLetter(ctx context.Context, id string) (store.DeadLetterRecord, error) {
	return i.deadLetters.Archive(ctx, id)
}

func (i *Instance) PurgeDeadLetters(ctx context.Context, filter store.DeadLetterFilter) (int, error) {
	return i.deadLetters.Purge(ctx, filter)
}

// Dedupe

// CheckDedupe marks the fingerprint and reports whether it was already
// seen.
func (i *Instance) CheckDedupe(fingerprint string) bool {
	return i.deduper.CheckAndMark(fingerprint)
}

func (i *Instance) SeenDedupe(fingerprint string) bool {
	return i.deduper.Seen(fingerprint)
}

func (i *Instance) ClearDedupe() {
	i.deduper.Clear()
}

// Signals

// Subscribe returns a subscription for the topic. Cancel it when done;
// an abandoned subscription only drops events, never blocks publishers.
func (i *Instance) Subscribe(topic string) *signal.Subscription {
	return i.bus.Subscribe(topic)
}

// Health

// HealthSnapshot aggregates bridge worker health and outbound queue
// depths.
type HealthSnapshot struct {
	Bridges     []bridge.Health `json:"bridges"`
	QueueDepths []int           `json:"queue_depths"`
	ActiveRooms int             `json:"active_rooms"`
	Accepting   bool            `json:"accepting"`
}

func (i *Instance) Health() HealthSnapshot {
	return HealthSnapshot{
		Bridges:     i.bridges.Health(),
		QueueDepths: i.gateway.QueueDepths(),
		ActiveRooms: len(i.rooms.ActiveRooms()),
		Accepting:   i.accepting.Load(),
	}
}
