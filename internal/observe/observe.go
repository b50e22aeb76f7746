// Package observe decouples runtime instrumentation from its sinks.
// The pipeline reports events through the Observer interface; sinks
// render them as structured logs, Prometheus metrics, or both.
package observe

import "time"

// Observer receives instrumentation events from the runtime. Methods
// must be cheap and non-blocking; they are called on hot paths.
type Observer interface {
	// IngestStage marks a pipeline stage decision for an inbound event.
	IngestStage(channel, stage, decision string)
	// IngestOutcome records the terminal outcome of an ingest call.
	IngestOutcome(channel, outcome string, elapsed time.Duration)
	// OutboundResult records a completed outbound delivery attempt.
	OutboundResult(channel, operation, outcome string, elapsed time.Duration)
	// RetryScheduled records a retry with its backoff delay.
	RetryScheduled(channel, operation string, attempt int, delay time.Duration)
	// PressureTransition records a partition pressure level change.
	PressureTransition(partition int, from, to string)
	// RequestShed records a request rejected or dropped under pressure.
	RequestShed(partition int, priority string)
	// DeadLetterCaptured records a terminally failed request entering
	// the dead-letter store.
	DeadLetterCaptured(channel, reason string)
	// DeadLetterReplayed records a replay completion.
	DeadLetterReplayed(outcome string)
	// SignalDropped records a fan-out message dropped on a full
	// subscriber buffer.
	SignalDropped(topic string)
	// WorkerRestarted records a supervised child restart.
	WorkerRestarted(name string)
}

// Nop is an Observer that discards everything.
type Nop struct{}

var _ Observer = Nop{}

func (Nop) IngestStage(string, string, string)                  {}
func (Nop) IngestOutcome(string, string, time.Duration)         {}
func (Nop) OutboundResult(string, string, string, time.Duration) {}
func (Nop) RetryScheduled(string, string, int, time.Duration)   {}
func (Nop) PressureTransition(int, string, string)              {}
func (Nop) RequestShed(int, string)                             {}
func (Nop) DeadLetterCaptured(string, string)                   {}
func (Nop) DeadLetterReplayed(string)                           {}
func (Nop) SignalDropped(string)                                {}
func (Nop) WorkerRestarted(string)                              {}

// Multi fans events out to several observers in order.
type Multi []Observer

var _ Observer = Multi{}

func (m Multi) IngestStage(channel, stage, decision string) {
	for _, o := range m {
		o.IngestStage(channel, stage, decision)
	}
}

func (m Multi) IngestOutcome(channel, outcome string, elapsed time.Duration) {
	for _, o := range m {
		o.IngestOutcome(channel, outcome, elapsed)
	}
}

func (m Multi) OutboundResult(channel, operation, outcome string, elapsed time.Duration) {
	for _, o := range m {
		o.OutboundResult(channel, operation, outcome, elapsed)
	}
}

func (m Multi) RetryScheduled(channel, operation string, attempt int, delay time.Duration) {
	for _, o := range m {
		o.RetryScheduled(channel, operation, attempt, delay)
	}
}

func (m Multi) PressureTransition(partition int, from, to string) {
	for _, o := range m {
		o.PressureTransition(partition, from, to)
	}
}

func (m Multi) RequestShed(partition int, priority string) {
	for _, o := range m {
		o.RequestShed(partition, priority)
	}
}

func (m Multi) DeadLetterCaptured(channel, reason string) {
	for _, o := range m {
		o.DeadLetterCaptured(channel, reason)
	}
}

func (m Multi) DeadLetterReplayed(outcome string) {
	for _, o := range m {
		o.DeadLetterReplayed(outcome)
	}
}

func (m Multi) SignalDropped(topic string) {
	for _, o := range m {
		o.SignalDropped(topic)
	}
}

func (m Multi) WorkerRestarted(name string) {
	for _, o := range m {
		o.WorkerRestarted(name)
	}
}
