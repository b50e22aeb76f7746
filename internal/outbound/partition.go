package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentjido/messaging/internal/adapter"
	"github.com/agentjido/messaging/internal/observe"
	"github.com/agentjido/messaging/internal/signal"
)

// Pressure levels derived from queue occupancy.
const (
	LevelNormal   = "normal"
	LevelWarn     = "warn"
	LevelDegraded = "degraded"
	LevelShed     = "shed"
)

type job struct {
	req   Request
	reply chan jobResult
}

type jobResult struct {
	success Success
	err     *Error
}

// partition owns one bounded FIFO queue and processes jobs strictly in
// enqueue order. Retries happen in place and consume no queue slots.
type partition struct {
	index    int
	gw       *Gateway
	jobs     chan *job
	idem     *expirable.LRU[string, Success]
	log      *slog.Logger
	observer observe.Observer

	mu    sync.Mutex
	level string
}

func newPartition(index int, gw *Gateway) *partition {
	return &partition{
		index:    index,
		gw:       gw,
		jobs:     make(chan *job, gw.cfg.QueueCapacity),
		idem:     expirable.NewLRU[string, Success](gw.cfg.IdempotencyCacheCap, nil, gw.cfg.IdempotencyTTL.Std()),
		log:      gw.log.With(slog.Int("partition", index)),
		observer: gw.observer,
	}
}

// submit applies admission control and enqueues the job. It returns an
// error immediately for shed or full queues; otherwise the caller waits
// on the job's reply channel.
func (p *partition) submit(req Request) (*job, *Error) {
	occupancy := float64(len(p.jobs)) / float64(cap(p.jobs))
	level := p.levelFor(occupancy)
	p.setLevel(level)

	switch level {
	case LevelDegraded:
		if p.gw.cfg.DegradedAction == "throttle" {
			time.Sleep(p.gw.cfg.Throttle.Std())
		}
	case LevelShed:
		if p.gw.shedsPriority(req.Priority) {
			p.observer.RequestShed(p.index, string(req.Priority))
			return nil, p.terminal(req, "load_shed", 0)
		}
	}

	j := &job{req: req, reply: make(chan jobResult, 1)}
	select {
	case p.jobs <- j:
		return j, nil
	default:
		return nil, p.terminal(req, "queue_full", 0)
	}
}

func (p *partition) levelFor(occupancy float64) string {
	cfg := p.gw.cfg
	switch {
	case occupancy >= cfg.ShedRatio:
		return LevelShed
	case occupancy >= cfg.DegradedRatio:
		return LevelDegraded
	case occupancy >= cfg.WarnRatio:
		return LevelWarn
	default:
		return LevelNormal
	}
}

func (p *partition) setLevel(level string) {
	p.mu.Lock()
	prev := p.level
	if prev == "" {
		prev = LevelNormal
	}
	p.level = level
	p.mu.Unlock()
	if prev != level {
		p.observer.PressureTransition(p.index, prev, level)
		p.gw.publish(signal.TopicPressureTransition, map[string]any{
			"partition": p.index,
			"from":      prev,
			"to":        level,
		})
	}
}

func (p *partition) currentLevel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.level == "" {
		return LevelNormal
	}
	return p.level
}

// run is the partition worker loop. On shutdown, still-queued jobs are
// failed and captured as dead letters.
func (p *partition) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drainResidue()
			return nil
		case j := <-p.jobs:
			p.process(ctx, j)
		}
	}
}

// drainResidue fails everything still queued at shutdown. The jobs are
// captured as dead letters so they can be replayed after restart.
func (p *partition) drainResidue() {
	ctx := context.Background()
	for {
		select {
		case j := <-p.jobs:
			oerr := p.terminal(j.req, "shutdown", 0)
			if !j.req.DeadLetterReplay && p.gw.deadLetters != nil {
				id, err := p.gw.deadLetters.CaptureOutboundFailure(ctx, j.req, oerr.Reason, FailureDiagnostics{
					Partition:     p.index,
					QueueSize:     len(p.jobs),
					PressureLevel: p.currentLevel(),
				})
				if err != nil {
					p.log.Error("dead letter capture failed", slog.Any("error", err))
				} else {
					oerr.DeadLetterID = id
				}
			}
			j.reply <- jobResult{err: oerr}
		default:
			return
		}
	}
}

func (p *partition) process(ctx context.Context, j *job) {
	req := j.req
	start := time.Now()

	if req.IdempotencyKey != "" {
		if cached, ok := p.idem.Get(req.IdempotencyKey); ok {
			cached.Idempotent = true
			p.observer.OutboundResult(req.Channel, string(req.Operation), "idempotent", time.Since(start))
			j.reply <- jobResult{success: cached}
			return
		}
	}

	success, oerr := p.attemptLoop(ctx, req)
	if oerr != nil {
		if !req.DeadLetterReplay && p.gw.deadLetters != nil {
			id, err := p.gw.deadLetters.CaptureOutboundFailure(ctx, req, oerr.Reason, FailureDiagnostics{
				Partition:     p.index,
				QueueSize:     len(p.jobs),
				PressureLevel: p.currentLevel(),
				Attempts:      oerr.Attempt,
			})
			if err != nil {
				p.log.Error("dead letter capture failed", slog.Any("error", err))
			} else {
				oerr.DeadLetterID = id
			}
		}
		p.observer.OutboundResult(req.Channel, string(req.Operation), "failed", time.Since(start))
		p.gw.publish(signal.TopicMessageFailed, map[string]any{
			"channel":   req.Channel,
			"bridge_id": req.BridgeID,
			"operation": string(req.Operation),
			"reason":    oerr.Reason,
		})
		j.reply <- jobResult{err: oerr}
		return
	}

	if req.IdempotencyKey != "" {
		p.idem.Add(req.IdempotencyKey, success)
	}
	p.observer.OutboundResult(req.Channel, string(req.Operation), "completed", time.Since(start))
	p.gw.publish(signal.TopicMessageSent, map[string]any{
		"channel":    req.Channel,
		"bridge_id":  req.BridgeID,
		"operation":  string(req.Operation),
		"message_id": success.MessageID,
	})
	j.reply <- jobResult{success: success}
}

// attemptLoop dispatches the operation and retries retryable failures
// with exponential backoff until success or the attempt budget runs out.
func (p *partition) attemptLoop(ctx context.Context, req Request) (Success, *Error) {
	cfg := p.gw.cfg
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseBackoff.Std()
	bo.MaxInterval = cfg.MaxBackoff.Std()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		success, reason, retryable := p.dispatch(ctx, req)
		if reason == "" {
			success.Attempts = attempt
			return success, nil
		}
		if !retryable {
			return Success{}, p.classified(req, reason, CategoryTerminal, attempt)
		}
		if attempt >= cfg.MaxAttempts {
			return Success{}, p.classified(req, reason, CategoryRetryable, attempt)
		}
		delay := bo.NextBackOff()
		p.observer.RetryScheduled(req.Channel, string(req.Operation), attempt, delay)
		p.gw.publish(signal.TopicRetryScheduled, map[string]any{
			"channel":   req.Channel,
			"operation": string(req.Operation),
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Success{}, p.classified(req, "shutdown", CategoryTerminal, attempt)
		}
	}
}

// dispatch performs one provider call. It returns an empty reason on
// success; otherwise the failure reason and whether it may be retried.
func (p *partition) dispatch(ctx context.Context, req Request) (Success, string, bool) {
	callCtx, cancel := context.WithTimeout(ctx, p.gw.cfg.AdapterTimeout.Std())
	defer cancel()
	ch := adapter.Channel(req.Channel)

	switch req.Operation {
	case OpSend:
		sender, ok := p.gw.registry.GetSender(ch)
		if !ok {
			return Success{}, "unsupported_operation", false
		}
		text, err := p.gw.security.SanitizeOutbound(req.Text, req.Opts)
		if err != nil {
			return Success{}, "sanitize_failed", false
		}
		result, err := sender.SendMessage(callCtx, req.ExternalRoomID, text, req.Opts)
		if err != nil {
			return p.classifyAdapterError(err)
		}
		return Success{MessageID: result.MessageID, Raw: result.Raw}, "", false

	case OpEdit:
		editor, ok := p.gw.registry.GetEditor(ch)
		if !ok {
			return Success{}, "unsupported_operation", false
		}
		text, err := p.gw.security.SanitizeOutbound(req.Text, req.Opts)
		if err != nil {
			return Success{}, "sanitize_failed", false
		}
		result, err := editor.EditMessage(callCtx, req.ExternalRoomID, req.ExternalMessageID, text, req.Opts)
		if err != nil {
			return p.classifyAdapterError(err)
		}
		return Success{MessageID: result.MessageID, Raw: result.Raw}, "", false

	case OpSendMedia:
		return p.dispatchMedia(callCtx, req, false)

	case OpEditMedia:
		return p.dispatchMedia(callCtx, req, true)
	}
	return Success{}, "unsupported_operation", false
}

func (p *partition) dispatchMedia(ctx context.Context, req Request, edit bool) (Success, string, bool) {
	ch := adapter.Channel(req.Channel)
	caps, _ := p.gw.registry.GetCapabilities(ch)
	decision := p.gw.mediaPolicy.PrepareOutbound(req.Channel, caps, req.Media)

	switch decision.Kind {
	case MediaOK:
		if edit {
			editor, ok := p.gw.registry.GetMediaEditor(ch)
			if !ok {
				return Success{}, "unsupported_operation", false
			}
			result, err := editor.EditMedia(ctx, req.ExternalRoomID, req.ExternalMessageID, decision.Payload, req.Opts)
			if err != nil {
				return p.classifyAdapterError(err)
			}
			return Success{MessageID: result.MessageID, Raw: result.Raw}, "", false
		}
		sender, ok := p.gw.registry.GetMediaSender(ch)
		if !ok {
			return Success{}, "unsupported_operation", false
		}
		result, err := sender.SendMedia(ctx, req.ExternalRoomID, decision.Payload, req.Opts)
		if err != nil {
			return p.classifyAdapterError(err)
		}
		return Success{MessageID: result.MessageID, Raw: result.Raw}, "", false

	case MediaFallbackText:
		if edit {
			if req.ExternalMessageID == "" {
				return Success{}, "missing_external_message_id", false
			}
			editor, ok := p.gw.registry.GetEditor(ch)
			if !ok {
				return Success{}, "unsupported_operation", false
			}
			result, err := editor.EditMessage(ctx, req.ExternalRoomID, req.ExternalMessageID, decision.Text, req.Opts)
			if err != nil {
				return p.classifyAdapterError(err)
			}
			return Success{MessageID: result.MessageID, Raw: result.Raw, Fallback: true, FallbackMode: "text_edit"}, "", false
		}
		sender, ok := p.gw.registry.GetSender(ch)
		if !ok {
			return Success{}, "unsupported_operation", false
		}
		result, err := sender.SendMessage(ctx, req.ExternalRoomID, decision.Text, req.Opts)
		if err != nil {
			return p.classifyAdapterError(err)
		}
		return Success{MessageID: result.MessageID, Raw: result.Raw, Fallback: true, FallbackMode: "text_send"}, "", false

	default:
		reason := decision.Reason
		if reason == "" {
			reason = "media_rejected"
		}
		return Success{}, reason, false
	}
}

// classifyAdapterError maps a provider error to a reason and
// retryability per the error taxonomy.
func (p *partition) classifyAdapterError(err error) (Success, string, bool) {
	var aerr *adapter.Error
	if errors.As(err, &aerr) {
		return Success{}, string(aerr.Reason), aerr.Reason.Retryable()
	}
	if errors.Is(err, adapter.ErrUnsupported) {
		return Success{}, "unsupported_operation", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Success{}, "timeout", true
	}
	return Success{}, fmt.Sprintf("exception: %v", err), false
}

func (p *partition) classified(req Request, reason string, category Category, attempt int) *Error {
	return &Error{
		Category:    category,
		Disposition: "terminal",
		Operation:   req.Operation,
		Reason:      reason,
		Attempt:     attempt,
		MaxAttempts: p.gw.cfg.MaxAttempts,
		Partition:   p.index,
		RoutingKey:  req.RoutingKey,
		Retryable:   category == CategoryRetryable,
	}
}

func (p *partition) terminal(req Request, reason string, attempt int) *Error {
	return p.classified(req, reason, CategoryTerminal, attempt)
}
