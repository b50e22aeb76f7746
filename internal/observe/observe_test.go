package observe

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type countingObserver struct {
	Nop
	calls int
}

func (c *countingObserver) IngestOutcome(string, string, time.Duration) { c.calls++ }
func (c *countingObserver) SignalDropped(string)                       { c.calls++ }

func TestMultiFansOut(t *testing.T) {
	t.Parallel()
	a := &countingObserver{}
	b := &countingObserver{}
	m := Multi{a, b, Nop{}}

	m.IngestOutcome("telegram", "ok", time.Millisecond)
	m.SignalDropped("message.created")

	if a.calls != 2 || b.calls != 2 {
		t.Fatalf("expected 2 calls each, got a=%d b=%d", a.calls, b.calls)
	}
}

func TestPrometheusObserverRegisters(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.IngestStage("telegram", "dedupe", "pass")
	o.IngestOutcome("telegram", "ok", 5*time.Millisecond)
	o.OutboundResult("telegram", "send_message", "delivered", 10*time.Millisecond)
	o.RetryScheduled("telegram", "send_message", 1, 250*time.Millisecond)
	o.PressureTransition(0, "normal", "warn")
	o.RequestShed(0, "low")
	o.DeadLetterCaptured("telegram", "network")
	o.DeadLetterReplayed("ok")
	o.SignalDropped("message.created")
	o.WorkerRestarted("bridge:tg-main")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}
