// Package router turns raw webhook requests into ingest calls. It owns
// the bridge lookup, signature verification and event parsing steps,
// and maps every outcome to the HTTP response the platform expects.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/configstore"
	"github.com/agentjido/messaging/internal/ingest"
	"github.com/agentjido/messaging/internal/logger"
)

// Status is the canonical routing outcome, independent of transport.
type Status string

const (
	StatusOK               Status = "ok"
	StatusNoop             Status = "noop"
	StatusDuplicate        Status = "duplicate"
	StatusDenied           Status = "denied"
	StatusEvent            Status = "event"
	StatusInvalidEvent     Status = "invalid_event"
	StatusInvalidSignature Status = "invalid_signature"
	StatusBridgeNotFound   Status = "bridge_not_found"
	StatusBridgeDisabled   Status = "bridge_disabled"
	StatusShuttingDown     Status = "shutting_down"
	StatusError            Status = "error"
)

// httpStatus maps canonical outcomes to HTTP codes. Anything not listed
// acknowledges with 200; the platform should not retry denied or
// handler-side failures.
func httpStatus(s Status) int {
	switch s {
	case StatusInvalidEvent:
		return http.StatusBadRequest
	case StatusInvalidSignature:
		return http.StatusUnauthorized
	case StatusBridgeNotFound:
		return http.StatusNotFound
	case StatusBridgeDisabled, StatusShuttingDown:
		return http.StatusServiceUnavailable
	case StatusError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// Result is the outcome of routing one inbound request.
type Result struct {
	Status Status
	Reason string
	Event  *adapter.EventEnvelope
	Ingest *ingest.Result
}

// HTTPStatus returns the canonical HTTP code for the result.
func (r Result) HTTPStatus() int { return httpStatus(r.Status) }

// Router resolves bridges from the config store and drives the adapter
// webhook callbacks plus the ingest pipeline.
type Router struct {
	configs  *configstore.ConfigStore
	registry *adapter.Registry
	pipeline *ingest.Pipeline
	log      *slog.Logger
}

// New wires an inbound Router.
func New(configs *configstore.ConfigStore, registry *adapter.Registry, pipeline *ingest.Pipeline) *Router {
	return &Router{
		configs:  configs,
		registry: registry,
		pipeline: pipeline,
		log:      logger.L.With(slog.String("component", "inbound-router")),
	}
}

// RouteWebhook verifies, parses and ingests one webhook request and
// renders the platform-facing response.
func (r *Router) RouteWebhook(ctx context.Context, bridgeID string, meta adapter.RequestMeta) (adapter.WebhookResponse, Result) {
	result := r.routeWebhook(ctx, bridgeID, meta)
	return r.respond(bridgeID, result), result
}

func (r *Router) routeWebhook(ctx context.Context, bridgeID string, meta adapter.RequestMeta) Result {
	cfg, channel, res := r.resolveBridge(bridgeID)
	if res != nil {
		return *res
	}

	if verifier, ok := r.registry.GetVerifier(channel); ok {
		if err := verifier.VerifyWebhook(meta, cfg.Opts); err != nil {
			r.log.Warn("webhook verification failed",
				slog.String("bridge_id", bridgeID), slog.Any("error", err))
			return Result{Status: StatusInvalidSignature, Reason: "invalid_signature"}
		}
	}

	parser, ok := r.registry.GetEventParser(channel)
	if !ok {
		return Result{Status: StatusInvalidEvent, Reason: "adapter cannot parse events"}
	}
	envelope, err := parser.ParseEvent(meta, cfg.Opts)
	if err != nil {
		if errors.Is(err, adapter.ErrNoop) {
			return Result{Status: StatusNoop}
		}
		var inv *adapter.InvalidEventError
		if errors.As(err, &inv) {
			return Result{Status: StatusInvalidEvent, Reason: inv.Detail}
		}
		return Result{Status: StatusInvalidEvent, Reason: err.Error()}
	}

	if envelope.EventType != adapter.EventMessage {
		// Non-message events are surfaced to the caller without side
		// effects; subscribers act on them if they care.
		return Result{Status: StatusEvent, Event: &envelope}
	}

	transformer, ok := r.registry.GetTransformer(channel)
	if !ok {
		return Result{Status: StatusInvalidEvent, Reason: "adapter cannot transform events"}
	}
	incoming, err := transformer.TransformIncoming(envelope.Payload)
	if err != nil {
		return Result{Status: StatusInvalidEvent, Reason: err.Error()}
	}
	return r.ingestIncoming(ctx, channel, bridgeID, incoming, &envelope)
}

// RoutePayload ingests an already-authenticated payload, skipping the
// verify and parse steps. Used for non-HTTP ingress such as pollers.
func (r *Router) RoutePayload(ctx context.Context, bridgeID string, payload map[string]any) Result {
	_, channel, res := r.resolveBridge(bridgeID)
	if res != nil {
		return *res
	}
	transformer, ok := r.registry.GetTransformer(channel)
	if !ok {
		return Result{Status: StatusInvalidEvent, Reason: "adapter cannot transform events"}
	}
	incoming, err := transformer.TransformIncoming(payload)
	if err != nil {
		return Result{Status: StatusInvalidEvent, Reason: err.Error()}
	}
	return r.ingestIncoming(ctx, channel, bridgeID, incoming, nil)
}

func (r *Router) resolveBridge(bridgeID string) (configstore.BridgeConfig, adapter.Channel, *Result) {
	snap := r.configs.Snapshot()
	cfg, ok := snap.Bridge(bridgeID)
	if !ok {
		return configstore.BridgeConfig{}, "", &Result{Status: StatusBridgeNotFound, Reason: "unknown bridge " + bridgeID}
	}
	if !cfg.Enabled {
		return configstore.BridgeConfig{}, "", &Result{Status: StatusBridgeDisabled, Reason: "bridge " + bridgeID + " is disabled"}
	}
	channel := adapter.Channel(strings.ToLower(strings.TrimSpace(cfg.AdapterModule)))
	if _, ok := r.registry.Get(channel); !ok {
		return configstore.BridgeConfig{}, "", &Result{
			Status: StatusError,
			Reason: fmt.Sprintf("adapter %q not registered", cfg.AdapterModule),
		}
	}
	return cfg, channel, nil
}

func (r *Router) ingestIncoming(ctx context.Context, channel adapter.Channel, bridgeID string, in adapter.Incoming, envelope *adapter.EventEnvelope) Result {
	res := r.pipeline.Ingest(ctx, channel.String(), bridgeID, in)
	out := Result{Event: envelope, Ingest: &res}
	switch res.Kind {
	case ingest.OutcomeOK:
		out.Status = StatusOK
	case ingest.OutcomeDuplicate:
		out.Status = StatusDuplicate
	case ingest.OutcomeDenied:
		out.Status = StatusDenied
		if res.Denial != nil {
			out.Reason = res.Denial.Reason
		}
	default:
		out.Status = StatusError
		if res.Err != nil {
			out.Reason = res.Err.Error()
		}
	}
	return out
}

// respond renders the result through the adapter's formatter when one
// exists. A formatter failure falls back to a plain JSON body carrying
// the canonical status.
func (r *Router) respond(bridgeID string, result Result) adapter.WebhookResponse {
	status := result.HTTPStatus()
	body := map[string]any{
		"status":  status,
		"outcome": string(result.Status),
	}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}
	if result.Ingest != nil && result.Ingest.Message.ID != "" {
		body["message_id"] = result.Ingest.Message.ID
	}

	// Formatting is skipped when the bridge itself could not be
	// resolved; there is no adapter to ask.
	switch result.Status {
	case StatusBridgeNotFound, StatusBridgeDisabled, StatusShuttingDown, StatusError:
		return adapter.WebhookResponse{Status: status, Body: body}
	}

	snap := r.configs.Snapshot()
	cfg, ok := snap.Bridge(bridgeID)
	if !ok {
		return adapter.WebhookResponse{Status: status, Body: body}
	}
	channel := adapter.Channel(strings.ToLower(strings.TrimSpace(cfg.AdapterModule)))
	formatter, ok := r.registry.GetResponseFormatter(channel)
	if !ok {
		return adapter.WebhookResponse{Status: status, Body: body}
	}

	resp, err := formatter.FormatWebhookResponse(body, cfg.Opts)
	if err != nil {
		r.log.Warn("response formatter failed, using fallback",
			slog.String("bridge_id", bridgeID), slog.Any("error", err))
		return adapter.WebhookResponse{Status: status, Body: body}
	}
	if resp.Status == 0 {
		resp.Status = status
	}
	return resp
}
