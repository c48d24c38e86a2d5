package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	executions           *prometheus.CounterVec
	duration             *prometheus.HistogramVec
	retries              prometheus.Counter
	lastBatchSuccessRate prometheus.Gauge
	lastBatchSize        prometheus.Gauge
}

// Register attaches the Monitor's collectors to reg. Call it once, before
// jobs start recording.
func (m *Monitor) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &collectors{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresher_executions_total",
			Help: "Finished job executions partitioned by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refresher_execution_duration_seconds",
			Help:    "Job execution duration including retries and fallback.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresher_attempt_retries_total",
			Help: "Failed extraction attempts that were retried.",
		}),
		lastBatchSuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refresher_last_batch_success_ratio",
			Help: "Success ratio of the most recent RunAll.",
		}),
		lastBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refresher_last_batch_size",
			Help: "Adaptive batch size chosen for the most recent RunAll.",
		}),
	}
	fallbackRate := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "refresher_fallback_ratio",
		Help: "Share of successful executions produced by the fallback chain.",
	}, func() float64 { return m.Stats().FallbackRate })
	running := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "refresher_executions_running",
		Help: "Job executions currently in progress.",
	}, func() float64 { return float64(m.Stats().Running) })

	for _, collector := range []prometheus.Collector{
		c.executions, c.duration, c.retries, c.lastBatchSuccessRate, c.lastBatchSize, fallbackRate, running,
	} {
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("register monitor collector: %w", err)
		}
	}
	m.metrics = c
	return nil
}
