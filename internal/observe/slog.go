package observe

import (
	"log/slog"
	"time"
)

// SlogObserver renders events as debug/info level structured logs.
type SlogObserver struct {
	log *slog.Logger
}

// NewSlogObserver wraps the given logger.
func NewSlogObserver(log *slog.Logger) *SlogObserver {
	return &SlogObserver{log: log.With(slog.String("component", "observe"))}
}

var _ Observer = (*SlogObserver)(nil)

func (o *SlogObserver) IngestStage(channel, stage, decision string) {
	o.log.Debug("ingest stage",
		slog.String("channel", channel),
		slog.String("stage", stage),
		slog.String("decision", decision))
}

func (o *SlogObserver) IngestOutcome(channel, outcome string, elapsed time.Duration) {
	o.log.Debug("ingest outcome",
		slog.String("channel", channel),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed))
}

func (o *SlogObserver) OutboundResult(channel, operation, outcome string, elapsed time.Duration) {
	o.log.Debug("outbound result",
		slog.String("channel", channel),
		slog.String("operation", operation),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed))
}

func (o *SlogObserver) RetryScheduled(channel, operation string, attempt int, delay time.Duration) {
	o.log.Info("retry scheduled",
		slog.String("channel", channel),
		slog.String("operation", operation),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

func (o *SlogObserver) PressureTransition(partition int, from, to string) {
	o.log.Info("pressure transition",
		slog.Int("partition", partition),
		slog.String("from", from),
		slog.String("to", to))
}

func (o *SlogObserver) RequestShed(partition int, priority string) {
	o.log.Warn("request shed",
		slog.Int("partition", partition),
		slog.String("priority", priority))
}

func (o *SlogObserver) DeadLetterCaptured(channel, reason string) {
	o.log.Warn("dead letter captured",
		slog.String("channel", channel),
		slog.String("reason", reason))
}

func (o *SlogObserver) DeadLetterReplayed(outcome string) {
	o.log.Info("dead letter replayed", slog.String("outcome", outcome))
}

func (o *SlogObserver) SignalDropped(topic string) {
	o.log.Warn("signal dropped", slog.String("topic", topic))
}

func (o *SlogObserver) WorkerRestarted(name string) {
	o.log.Warn("worker restarted", slog.String("worker", name))
}
