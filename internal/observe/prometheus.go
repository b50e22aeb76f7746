package observe

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports runtime events as Prometheus metrics.
type PrometheusObserver struct {
	ingestStages    *prometheus.CounterVec
	ingestOutcomes  *prometheus.CounterVec
	ingestLatency   *prometheus.HistogramVec
	outboundResults *prometheus.CounterVec
	outboundLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	pressureLevels  *prometheus.GaugeVec
	shedTotal       *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	replays         *prometheus.CounterVec
	signalDrops     *prometheus.CounterVec
	workerRestarts  *prometheus.CounterVec
}

// NewPrometheusObserver builds an observer and registers its collectors
// with reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		ingestStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "ingest_stage_total",
			Help:      "Ingest pipeline stage decisions.",
		}, []string{"channel", "stage", "decision"}),
		ingestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "ingest_outcome_total",
			Help:      "Terminal ingest outcomes.",
		}, []string{"channel", "outcome"}),
		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "messaging",
			Name:      "ingest_duration_seconds",
			Help:      "Ingest pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		outboundResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "outbound_result_total",
			Help:      "Completed outbound delivery attempts.",
		}, []string{"channel", "operation", "outcome"}),
		outboundLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "messaging",
			Name:      "outbound_duration_seconds",
			Help:      "Outbound delivery latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "outbound_retry_total",
			Help:      "Scheduled outbound retries.",
		}, []string{"channel", "operation"}),
		pressureLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "messaging",
			Name:      "partition_pressure_level",
			Help:      "Current pressure level per partition (0=normal 1=warn 2=degraded 3=shed).",
		}, []string{"partition"}),
		shedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "requests_shed_total",
			Help:      "Requests rejected or dropped under pressure.",
		}, []string{"partition", "priority"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "dead_letters_captured_total",
			Help:      "Requests captured to the dead-letter store.",
		}, []string{"channel", "reason"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "dead_letter_replays_total",
			Help:      "Dead-letter replay completions.",
		}, []string{"outcome"}),
		signalDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "signal_dropped_total",
			Help:      "Fan-out messages dropped on full subscriber buffers.",
		}, []string{"topic"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "worker_restarts_total",
			Help:      "Supervised worker restarts.",
		}, []string{"worker"}),
	}
	reg.MustRegister(
		o.ingestStages, o.ingestOutcomes, o.ingestLatency,
		o.outboundResults, o.outboundLatency, o.retries,
		o.pressureLevels, o.shedTotal,
		o.deadLetters, o.replays,
		o.signalDrops, o.workerRestarts,
	)
	return o
}

var _ Observer = (*PrometheusObserver)(nil)

var pressureRank = map[string]float64{
	"normal":   0,
	"warn":     1,
	"degraded": 2,
	"shed":     3,
}

func (o *PrometheusObserver) IngestStage(channel, stage, decision string) {
	o.ingestStages.WithLabelValues(channel, stage, decision).Inc()
}

func (o *PrometheusObserver) IngestOutcome(channel, outcome string, elapsed time.Duration) {
	o.ingestOutcomes.WithLabelValues(channel, outcome).Inc()
	o.ingestLatency.WithLabelValues(channel).Observe(elapsed.Seconds())
}

func (o *PrometheusObserver) OutboundResult(channel, operation, outcome string, elapsed time.Duration) {
	o.outboundResults.WithLabelValues(channel, operation, outcome).Inc()
	o.outboundLatency.WithLabelValues(channel, operation).Observe(elapsed.Seconds())
}

func (o *PrometheusObserver) RetryScheduled(channel, operation string, attempt int, delay time.Duration) {
	o.retries.WithLabelValues(channel, operation).Inc()
}

func (o *PrometheusObserver) PressureTransition(partition int, from, to string) {
	o.pressureLevels.WithLabelValues(strconv.Itoa(partition)).Set(pressureRank[to])
}

func (o *PrometheusObserver) RequestShed(partition int, priority string) {
	o.shedTotal.WithLabelValues(strconv.Itoa(partition), priority).Inc()
}

func (o *PrometheusObserver) DeadLetterCaptured(channel, reason string) {
	o.deadLetters.WithLabelValues(channel, reason).Inc()
}

func (o *PrometheusObserver) DeadLetterReplayed(outcome string) {
	o.replays.WithLabelValues(outcome).Inc()
}

func (o *PrometheusObserver) SignalDropped(topic string) {
	o.signalDrops.WithLabelValues(topic).Inc()
}

func (o *PrometheusObserver) WorkerRestarted(name string) {
	o.workerRestarts.WithLabelValues(name).Inc()
}
