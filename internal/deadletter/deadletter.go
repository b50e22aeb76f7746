// Package deadletter stores terminally failed outbound requests and
// replays them on demand through partitioned replay workers.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/agentjido/messaging/internal/logger"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/outbound"
	"github.com/agentjido/messaging/internal/signal"
	"github.com/agentjido/messaging/internal/store"
	"github.com/agentjido/messaging/internal/supervisor"
)

// ErrNotFound is returned for unknown dead-letter ids.
var ErrNotFound = store.ErrNotFound

// ReplayStatus is the outcome of a replay call.
type ReplayStatus string

const (
	ReplayReplayed        ReplayStatus = "replayed"
	ReplayAlreadyReplayed ReplayStatus = "already_replayed"
	ReplayFailed          ReplayStatus = "captured"
)

// ReplayResult reports what a replay did.
type ReplayResult struct {
	Status   ReplayStatus    `json:"status"`
	Response map[string]any  `json:"response,omitempty"`
	Err      *outbound.Error `json:"error,omitempty"`
}

// ReplayOptions tunes one replay.
type ReplayOptions struct {
	// Force replays a record even when it is already marked replayed.
	Force bool
}

type replayJob struct {
	id    string
	opts  ReplayOptions
	reply chan replayReply
}

type replayReply struct {
	result ReplayResult
	err    error
}

// Service owns the dead-letter store and its replay workers. It also
// implements outbound.DeadLetterSink for capture.
type Service struct {
	store    store.Store
	gateway  *outbound.Gateway
	bus      *signal.Bus
	observer observe.Observer
	log      *slog.Logger
	queues   []chan replayJob
}

// Options configures a Service.
type Options struct {
	Store    store.Store
	Gateway  *outbound.Gateway
	Bus      *signal.Bus
	Observer observe.Observer
	// Partitions is the replay worker count (default 2). Replays of
	// the same record always land on the same worker.
	Partitions int
}

// New builds a Service. Store is required; the gateway may be attached
// later with SetGateway to break the construction cycle with outbound.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dead letter service requires a store")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 2
	}
	obs := opts.Observer
	if obs == nil {
		obs = observe.Nop{}
	}
	s := &Service{
		store:    opts.Store,
		gateway:  opts.Gateway,
		bus:      opts.Bus,
		observer: obs,
		log:      logger.L.With(slog.String("component", "deadletter")),
		queues:   make([]chan replayJob, opts.Partitions),
	}
	for i := range s.queues {
		s.queues[i] = make(chan replayJob)
	}
	return s, nil
}

// SetGateway attaches the outbound gateway used for replays.
func (s *Service) SetGateway(gw *outbound.Gateway) {
	s.gateway = gw
}

var _ outbound.DeadLetterSink = (*Service)(nil)

// CaptureOutboundFailure persists a failed request and announces it.
func (s *Service) CaptureOutboundFailure(ctx context.Context, req outbound.Request, reason string, diag outbound.FailureDiagnostics) (string, error) {
	rec := store.DeadLetterRecord{
		Request: store.DeadLetterRequest{
			Operation:         string(req.Operation),
			Channel:           req.Channel,
			BridgeID:          req.BridgeID,
			ExternalRoomID:    req.ExternalRoomID,
			ExternalMessageID: req.ExternalMessageID,
			TextPayload:       req.Text,
			MediaPayload:      req.Media,
			Opts:              req.Opts,
			IdempotencyKey:    req.IdempotencyKey,
			RoutingKey:        req.RoutingKey,
			Priority:          string(req.Priority),
		},
		Error: reason,
		Diagnostics: store.DeadLetterDiagnostics{
			Partition:     diag.Partition,
			QueueSize:     diag.QueueSize,
			PressureLevel: diag.PressureLevel,
			Attempts:      diag.Attempts,
		},
		Status: store.DeadLetterCaptured,
	}
	saved, err := s.store.SaveDeadLetter(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("capture dead letter: %w", err)
	}
	s.observer.DeadLetterCaptured(req.Channel, reason)
	if s.bus != nil {
		s.bus.Publish(signal.TopicDeadLetterCaptured, map[string]any{
			"dead_letter_id": saved.ID,
			"channel":        req.Channel,
			"bridge_id":      req.BridgeID,
			"reason":         reason,
		})
	}
	return saved.ID, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (store.DeadLetterRecord, error) {
	return s.store.GetDeadLetter(ctx, id)
}

// List returns records matching the filter.
func (s *Service) List(ctx context.Context, filter store.DeadLetterFilter) ([]store.DeadLetterRecord, error) {
	return s.store.ListDeadLetters(ctx, filter)
}

// Archive marks a record archived; archived records are skipped by
// replay and eligible for purge.
func (s *Service) Archive(ctx context.Context, id string) (store.DeadLetterRecord, error) {
	rec, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return store.DeadLetterRecord{}, err
	}
	rec.Status = store.DeadLetterArchived
	return s.store.SaveDeadLetter(ctx, rec)
}

// Purge removes records matching the filter.
func (s *Service) Purge(ctx context.Context, filter store.DeadLetterFilter) (int, error) {
	return s.store.PurgeDeadLetters(ctx, filter)
}

// ChildSpecs returns one supervised child per replay worker.
func (s *Service) ChildSpecs() []supervisor.Spec {
	specs := make([]supervisor.Spec, len(s.queues))
	for i := range s.queues {
		i := i
		specs[i] = supervisor.Spec{
			Name:      fmt.Sprintf("replay-partition-%d", i),
			Start:     func(ctx context.Context) error { return s.runWorker(ctx, s.queues[i]) },
			Intensity: supervisor.ReplayIntensity,
		}
	}
	return specs
}

// Replay resubmits a captured record through the gateway. Calls for the
// same id are serialized on one replay partition.
func (s *Service) Replay(ctx context.Context, id string, opts ReplayOptions) (ReplayResult, error) {
	if s.gateway == nil {
		return ReplayResult{}, fmt.Errorf("replay: no gateway attached")
	}
	q := s.queues[int(xxhash.Sum64String(id)%uint64(len(s.queues)))]
	job := replayJob{id: id, opts: opts, reply: make(chan replayReply, 1)}
	select {
	case q <- job:
	case <-ctx.Done():
		return ReplayResult{}, ctx.Err()
	}
	select {
	case rep := <-job.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return ReplayResult{}, ctx.Err()
	}
}

func (s *Service) runWorker(ctx context.Context, q chan replayJob) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q:
			result, err := s.replayOne(ctx, job.id, job.opts)
			job.reply <- replayReply{result: result, err: err}
		}
	}
}

func (s *Service) replayOne(ctx context.Context, id string, opts ReplayOptions) (ReplayResult, error) {
	rec, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}
	if rec.Status == store.DeadLetterReplayed && !opts.Force {
		return ReplayResult{Status: ReplayAlreadyReplayed, Response: rec.Response}, nil
	}

	rec.Status = store.DeadLetterReplaying
	if rec, err = s.store.SaveDeadLetter(ctx, rec); err != nil {
		return ReplayResult{}, fmt.Errorf("mark replaying: %w", err)
	}

	req := requestFrom(rec)
	success, submitErr := s.gateway.Submit(ctx, req)
	if submitErr != nil {
		rec.Status = store.DeadLetterCaptured
		rec.ReplayAttempts++
		if _, err := s.store.SaveDeadLetter(ctx, rec); err != nil {
			s.log.Error("revert replay status failed", slog.String("id", id), slog.Any("error", err))
		}
		s.observer.DeadLetterReplayed("failed")
		var oerr *outbound.Error
		if errors.As(submitErr, &oerr) {
			return ReplayResult{Status: ReplayFailed, Err: oerr}, nil
		}
		return ReplayResult{}, submitErr
	}

	rec.Status = store.DeadLetterReplayed
	rec.Response = map[string]any{"message_id": success.MessageID}
	if _, err := s.store.SaveDeadLetter(ctx, rec); err != nil {
		s.log.Error("persist replay response failed", slog.String("id", id), slog.Any("error", err))
	}
	s.observer.DeadLetterReplayed("ok")
	return ReplayResult{Status: ReplayReplayed, Response: rec.Response}, nil
}

// requestFrom rebuilds the outbound request. Replays never re-capture,
// and a record without an idempotency key gets "dead_letter:"+id so a
// send that actually succeeded earlier short-circuits on the cache.
func requestFrom(rec store.DeadLetterRecord) outbound.Request {
	key := rec.Request.IdempotencyKey
	if key == "" {
		key = "dead_letter:" + rec.ID
	}
	return outbound.Request{
		Operation:         outbound.Operation(rec.Request.Operation),
		Channel:           rec.Request.Channel,
		BridgeID:          rec.Request.BridgeID,
		ExternalRoomID:    rec.Request.ExternalRoomID,
		ExternalMessageID: rec.Request.ExternalMessageID,
		Text:              rec.Request.TextPayload,
		Media:             rec.Request.MediaPayload,
		Opts:              rec.Request.Opts,
		RoutingKey:        rec.Request.RoutingKey,
		Priority:          outbound.Priority(rec.Request.Priority),
		IdempotencyKey:    key,
		DeadLetterReplay:  true,
	}
}
