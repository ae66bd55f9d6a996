package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parlcrawl/crawlkit/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	partitions     *prometheus.CounterVec
	partitionsLive prometheus.Gauge
	attempts       *prometheus.CounterVec
	items          *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlkit_runs_started_total",
			Help: "Orchestrator runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_runs_completed_total",
			Help: "Orchestrator runs completed partitioned by result.",
		}, []string{"result"}),
		partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_partitions_finished_total",
			Help: "Partition executions finished partitioned by result.",
		}, []string{"result"}),
		partitionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlkit_partitions_running",
			Help: "Partitions currently running.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_fetch_attempts_total",
			Help: "Fetch attempts partitioned by outcome.",
		}, []string{"outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_items_finished_total",
			Help: "Items reaching a terminal status partitioned by status.",
		}, []string{"status"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlkit_fetch_attempt_duration_seconds",
			Help:    "Fetch attempt latency partitioned by partition and outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"partition", "outcome"}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.partitions, s.partitionsLive,
		s.attempts, s.items, s.attemptLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			s.runsCompleted.WithLabelValues("done").Inc()
		case progress.StageRunError:
			s.runsCompleted.WithLabelValues("failed").Inc()
		case progress.StagePartitionStart:
			s.partitionsLive.Inc()
		case progress.StagePartitionDone:
			s.partitionsLive.Dec()
			s.partitions.WithLabelValues("done").Inc()
		case progress.StagePartitionCrash:
			s.partitionsLive.Dec()
			s.partitions.WithLabelValues("crash").Inc()
		case progress.StageItemAttempt:
			s.attempts.WithLabelValues(evt.Outcome).Inc()
			if evt.Dur > 0 {
				s.attemptLatency.WithLabelValues(strconv.Itoa(evt.Partition), evt.Outcome).Observe(evt.Dur.Seconds())
			}
		case progress.StageItemDone:
			s.items.WithLabelValues(evt.Outcome).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
