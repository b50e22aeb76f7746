package outbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/config"
	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/supervisor"
)

// Gateway owns the outbound partitions. Requests with the same routing
// key land on the same partition and are processed strictly in order.
type Gateway struct {
	cfg         config.OutboundConfig
	registry    *adapter.Registry
	security    Security
	mediaPolicy MediaPolicy
	deadLetters DeadLetterSink
	bus         *signal.Bus
	observer    observe.Observer
	log         *slog.Logger
	validate    *validator.Validate
	partitions  []*partition
	shedSet     map[Priority]struct{}
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Config      config.OutboundConfig
	Registry    *adapter.Registry
	Security    Security
	MediaPolicy MediaPolicy
	DeadLetters DeadLetterSink
	Bus         *signal.Bus
	Observer    observe.Observer
}

// NewGateway builds a Gateway with its partitions. Registry is required.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("outbound gateway requires an adapter registry")
	}
	cfg := config.ApplyDefaults(config.Config{Outbound: opts.Config}).Outbound
	if opts.Security == nil {
		opts.Security = NopSecurity{}
	}
	if opts.MediaPolicy == nil {
		opts.MediaPolicy = PermissiveMediaPolicy{}
	}
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop{}
	}
	shedSet := make(map[Priority]struct{}, len(cfg.ShedDropPriorities))
	for _, p := range cfg.ShedDropPriorities {
		shedSet[Priority(p)] = struct{}{}
	}
	gw := &Gateway{
		cfg:         cfg,
		registry:    opts.Registry,
		security:    opts.Security,
		mediaPolicy: opts.MediaPolicy,
		deadLetters: opts.DeadLetters,
		bus:         opts.Bus,
		observer:    obs,
		log:         logger.L.With(slog.String("component", "outbound")),
		validate:    validator.New(),
		shedSet:     shedSet,
	}
	gw.partitions = make([]*partition, cfg.PartitionCount)
	for i := range gw.partitions {
		gw.partitions[i] = newPartition(i, gw)
	}
	return gw, nil
}

// ChildSpecs returns one supervised child per partition worker.
func (g *Gateway) ChildSpecs() []supervisor.Spec {
	specs := make([]supervisor.Spec, len(g.partitions))
	for i, p := range g.partitions {
		p := p
		specs[i] = supervisor.Spec{
			Name:      fmt.Sprintf("outbound-partition-%d", i),
			Start:     p.run,
			Intensity: supervisor.OutboundIntensity,
		}
	}
	return specs
}

// PartitionFor returns the partition index for a routing key.
func (g *Gateway) PartitionFor(routingKey string) int {
	return int(xxhash.Sum64String(routingKey) % uint64(len(g.partitions)))
}

// QueueDepths reports the current queue length per partition.
func (g *Gateway) QueueDepths() []int {
	depths := make([]int, len(g.partitions))
	for i, p := range g.partitions {
		depths[i] = len(p.jobs)
	}
	return depths
}

// Submit validates, enqueues, and waits for the job to complete. The
// returned error is always a *Error when non-nil.
func (g *Gateway) Submit(ctx context.Context, req Request) (Success, error) {
	if err := g.validateRequest(req); err != nil {
		return Success{}, err
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if req.RoutingKey == "" {
		req.RoutingKey = req.BridgeID + ":" + req.ExternalRoomID
	}

	p := g.partitions[g.PartitionFor(req.RoutingKey)]
	j, serr := p.submit(req)
	if serr != nil {
		g.captureSaturation(ctx, p, req, serr)
		return Success{}, serr
	}

	select {
	case res := <-j.reply:
		if res.err != nil {
			return Success{}, res.err
		}
		return res.success, nil
	case <-ctx.Done():
		return Success{}, &Error{
			Category:    CategoryTerminal,
			Disposition: "terminal",
			Operation:   req.Operation,
			Reason:      "canceled",
			MaxAttempts: g.cfg.MaxAttempts,
			Partition:   p.index,
			RoutingKey:  req.RoutingKey,
		}
	}
}

// captureSaturation records queue_full and load_shed rejections in the
// dead-letter store so operators can replay them after the burst.
func (g *Gateway) captureSaturation(ctx context.Context, p *partition, req Request, serr *Error) {
	if req.DeadLetterReplay || g.deadLetters == nil {
		return
	}
	id, err := g.deadLetters.CaptureOutboundFailure(ctx, req, serr.Reason, FailureDiagnostics{
		Partition:     p.index,
		QueueSize:     len(p.jobs),
		PressureLevel: p.currentLevel(),
	})
	if err != nil {
		g.log.Error("dead letter capture failed", slog.Any("error", err))
		return
	}
	serr.DeadLetterID = id
}

func (g *Gateway) validateRequest(req Request) *Error {
	invalid := func(reason string) *Error {
		return &Error{
			Category:    CategoryTerminal,
			Disposition: "terminal",
			Operation:   req.Operation,
			Reason:      reason,
			MaxAttempts: g.cfg.MaxAttempts,
			RoutingKey:  req.RoutingKey,
		}
	}
	if err := g.validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			field := verrs[0].Field()
			if req.Operation != "" && field == "Operation" {
				return invalid("unsupported_operation")
			}
			return invalid(fmt.Sprintf("invalid_request(%s)", field))
		}
		return invalid("invalid_request")
	}
	switch req.Operation {
	case OpSend:
		if req.Text == "" {
			return invalid("invalid_request(text)")
		}
	case OpEdit:
		if req.Text == "" {
			return invalid("invalid_request(text)")
		}
		if req.ExternalMessageID == "" {
			return invalid("missing_external_message_id")
		}
	case OpSendMedia:
		if len(req.Media) == 0 {
			return invalid("invalid_request(media)")
		}
	case OpEditMedia:
		if len(req.Media) == 0 {
			return invalid("invalid_request(media)")
		}
		if req.ExternalMessageID == "" {
			return invalid("missing_external_message_id")
		}
	}
	return nil
}

func (g *Gateway) shedsPriority(p Priority) bool {
	_, ok := g.shedSet[p]
	return ok
}

func (g *Gateway) publish(topic string, payload map[string]any) {
	if g.bus != nil {
		g.bus.Publish(topic, payload)
	}
}
