package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution outcomes recorded by Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeVetoed  = "vetoed"
	OutcomeRefire  = "refire"
)

// Metrics records scheduler activity as Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	acquired   prometheus.Counter
	fired      prometheus.Counter
	misfires   prometheus.Counter
	executions *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics registers the scheduler collectors with reg under namespace. A nil reg
// uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		acquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_acquired_total",
			Help:      "Number of triggers acquired for firing.",
		}),
		fired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_fired_total",
			Help:      "Number of trigger firings handed to the run shell.",
		}),
		misfires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "misfires_total",
			Help:      "Number of misfire instructions applied.",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_executions_total",
			Help:      "Number of job executions by outcome.",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_execution_duration_seconds",
			Help:      "Time spent in Job.Execute.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) recordAcquired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.acquired.Add(float64(n))
}

func (m *Metrics) recordFired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.fired.Add(float64(n))
}

func (m *Metrics) recordMisfire() {
	if m == nil {
		return
	}
	m.misfires.Inc()
}

func (m *Metrics) recordExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	if outcome != OutcomeVetoed {
		m.duration.Observe(d.Seconds())
	}
}
