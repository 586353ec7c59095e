package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/improver/internal/task"
)

type schedulerMetrics struct {
	finished  *prometheus.CounterVec
	rollbacks *prometheus.CounterVec
	inflight  prometheus.Gauge
	queued    prometheus.Gauge
}

func newSchedulerMetrics(registry *prometheus.Registry) *schedulerMetrics {
	if registry == nil {
		return nil
	}

	m := &schedulerMetrics{
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improver_tasks_finished_total",
				Help: "Total number of tasks reaching a terminal state by category and status",
			},
			[]string{"category", "status"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "improver_rollbacks_total",
				Help: "Total number of rollback replays by outcome",
			},
			[]string{"outcome"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "improver_tasks_inflight",
			Help: "Number of tasks currently executing",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "improver_tasks_queued",
			Help: "Number of tasks waiting in the pending queue",
		}),
	}

	registry.MustRegister(m.finished, m.rollbacks, m.inflight, m.queued)
	return m
}

func (m *schedulerMetrics) taskFinished(c task.Category, s task.Status) {
	if m != nil {
		m.finished.WithLabelValues(string(c), string(s)).Inc()
	}
}

func (m *schedulerMetrics) rollback(outcome string) {
	if m != nil {
		m.rollbacks.WithLabelValues(outcome).Inc()
	}
}

func (m *schedulerMetrics) setCounts(queued, inflight int) {
	if m != nil {
		m.queued.Set(float64(queued))
		m.inflight.Set(float64(inflight))
	}
}
