package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/logger"
)

// ErrNoRoute is returned when a room has no enabled outbound binding.
var ErrNoRoute = errors.New("no outbound route")

// DispatchStatus is the per-target outcome of a routed send.
type DispatchStatus string

const (
	DispatchOK      DispatchStatus = "ok"
	DispatchError   DispatchStatus = "error"
	DispatchUntried DispatchStatus = "untried"
)

// Dispatch is the result of one target of a routed delivery.
type Dispatch struct {
	BridgeID string         `json:"bridge_id"`
	Channel  string         `json:"channel"`
	Status   DispatchStatus `json:"status"`
	Success  Success        `json:"success,omitempty"`
	Err      *Error         `json:"error,omitempty"`
}

// Router resolves a room's routing policy and bindings into gateway
// requests.
type Router struct {
	configs *configstore.ConfigStore
	gateway *Gateway
	log     *slog.Logger
}

// NewRouter wires a Router.
func NewRouter(configs *configstore.ConfigStore, gateway *Gateway) *Router {
	return &Router{
		configs: configs,
		gateway: gateway,
		log:     logger.L.With(slog.String("component", "outbound-router")),
	}
}

// ResolveOutboundRoutes returns the room's targets in dispatch order:
// the policy's fallback order filtered to live enabled outbound
// bindings, or every enabled outbound binding when no policy exists.
func (r *Router) ResolveOutboundRoutes(roomID string) []configstore.RoomBinding {
	snap := r.configs.Snapshot()
	bindings := snap.BindingsForRoom(roomID)

	policy, hasPolicy := snap.Policy(roomID)
	if !hasPolicy || len(policy.FallbackOrder) == 0 {
		out := make([]configstore.RoomBinding, 0, len(bindings))
		for _, b := range bindings {
			if b.RoutesOutbound() {
				out = append(out, b)
			}
		}
		return out
	}

	byBridge := make(map[string]configstore.RoomBinding, len(bindings))
	for _, b := range bindings {
		if b.RoutesOutbound() {
			byBridge[b.BridgeID] = b
		}
	}
	out := make([]configstore.RoomBinding, 0, len(policy.FallbackOrder))
	for _, bridgeID := range policy.FallbackOrder {
		// Bridges named by the policy but not bound are skipped.
		if b, ok := byBridge[bridgeID]; ok {
			out = append(out, b)
		}
	}
	return out
}

// RouteOutbound sends text to the room's targets per its routing policy.
func (r *Router) RouteOutbound(ctx context.Context, roomID, text string, opts map[string]any) ([]Dispatch, error) {
	return r.route(ctx, roomID, opts, func(b configstore.RoomBinding, key string) Request {
		return Request{
			Operation:      OpSend,
			Channel:        b.Channel,
			BridgeID:       b.BridgeID,
			ExternalRoomID: b.ExternalRoomID,
			Text:           text,
			Opts:           opts,
			IdempotencyKey: key,
		}
	})
}

// RouteOutboundMedia sends a media payload to the room's targets.
func (r *Router) RouteOutboundMedia(ctx context.Context, roomID string, payload map[string]any, opts map[string]any) ([]Dispatch, error) {
	return r.route(ctx, roomID, opts, func(b configstore.RoomBinding, key string) Request {
		return Request{
			Operation:      OpSendMedia,
			Channel:        b.Channel,
			BridgeID:       b.BridgeID,
			ExternalRoomID: b.ExternalRoomID,
			Media:          payload,
			Opts:           opts,
			IdempotencyKey: key,
		}
	})
}

func (r *Router) route(ctx context.Context, roomID string, opts map[string]any, build func(configstore.RoomBinding, string) Request) ([]Dispatch, error) {
	targets := r.ResolveOutboundRoutes(roomID)
	if len(targets) == 0 {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNoRoute)
	}

	snap := r.configs.Snapshot()
	mode := configstore.DeliverBestEffort
	if policy, ok := snap.Policy(roomID); ok && policy.DeliveryMode != "" {
		mode = policy.DeliveryMode
	}

	// One logical send shares an idempotency root; each target gets its
	// own key so per-partition caches stay independent.
	root := idempotencyRoot(opts)

	results := make([]Dispatch, 0, len(targets))
	delivered := false
	for _, target := range targets {
		if mode == configstore.DeliverBestEffort && delivered {
			results = append(results, Dispatch{BridgeID: target.BridgeID, Channel: target.Channel, Status: DispatchUntried})
			continue
		}
		req := build(target, root+":"+target.BridgeID)
		req.Priority = priorityFrom(opts)
		success, err := r.gateway.Submit(ctx, req)
		if err != nil {
			var oerr *Error
			if !errors.As(err, &oerr) {
				oerr = &Error{Category: CategoryTerminal, Disposition: "terminal", Operation: req.Operation, Reason: err.Error()}
			}
			r.log.Warn("outbound dispatch failed",
				slog.String("room_id", roomID),
				slog.String("bridge_id", target.BridgeID),
				slog.String("reason", oerr.Reason))
			results = append(results, Dispatch{BridgeID: target.BridgeID, Channel: target.Channel, Status: DispatchError, Err: oerr})
			continue
		}
		delivered = true
		results = append(results, Dispatch{BridgeID: target.BridgeID, Channel: target.Channel, Status: DispatchOK, Success: success})
	}

	if !delivered {
		return results, fmt.Errorf("room %s: all targets failed", roomID)
	}
	return results, nil
}

func idempotencyRoot(opts map[string]any) string {
	if opts != nil {
		if key, ok := opts["idempotency_key"].(string); ok && key != "" {
			return key
		}
	}
	return uuid.NewString()
}

func priorityFrom(opts map[string]any) Priority {
	if opts != nil {
		if p, ok := opts["priority"].(string); ok && p != "" {
			return Priority(p)
		}
	}
	return PriorityNormal
}
