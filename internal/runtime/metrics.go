package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks plan lifecycle, ingress and egress statistics. A nil
// *Metrics records nothing.
type Metrics struct {
	mu sync.RWMutex

	plans map[string]*PlanCounters

	plansStarted      prometheus.Counter
	plansStopped      prometheus.Counter
	planStartFailures prometheus.Counter
	activePlans       prometheus.Gauge
	eventsReceived    *prometheus.CounterVec
	pushFailures      *prometheus.CounterVec
	rowsPublished     *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	evalFailures      prometheus.Counter
	publishDuration   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// PlanCounters holds the per-plan totals exposed by the admin API.
type PlanCounters struct {
	EventsPushed    uint64    `json:"events_pushed"`
	PushFailures    uint64    `json:"push_failures"`
	RowsPublished   uint64    `json:"rows_published"`
	PublishFailures uint64    `json:"publish_failures"`
	LastRowAt       time.Time `json:"last_row_at,omitempty"`
}

// MetricsSnapshot is a point-in-time copy of the per-plan totals.
type MetricsSnapshot struct {
	Plans       map[string]PlanCounters `json:"plans"`
	CollectedAt time.Time               `json:"collected_at"`
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "corrflow",
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corrflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		plans:             make(map[string]*PlanCounters),
		registerer:        registerer,
		plansStarted:      newCounter("plans_started_total", "Number of plans that started successfully"),
		plansStopped:      newCounter("plans_stopped_total", "Number of plans that were stopped"),
		planStartFailures: newCounter("plan_start_failures_total", "Number of plans whose rule or outputs were rejected at start"),
		activePlans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corrflow",
			Name:      "active_plans",
			Help:      "Number of running plans",
		}),
		eventsReceived:  newCounterVec("ingress", "events_total", "Raw events received, by outcome", []string{"result"}),
		pushFailures:    newCounterVec("ingress", "push_failures_total", "Raw events a plan refused", []string{"plan_id"}),
		rowsPublished:   newCounterVec("egress", "rows_total", "Output rows published", []string{"plan_id", "stream"}),
		publishFailures: newCounterVec("egress", "publish_failures_total", "Output rows that could not be published", []string{"plan_id", "stream"}),
		evalFailures:    newCounter("evaluation_failures_total", "Events dropped because a rule failed to evaluate them"),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "corrflow",
				Subsystem: "egress",
				Name:      "publish_duration_seconds",
				Help:      "Time spent publishing one output row, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plan_id"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.plansStarted,
		m.plansStopped,
		m.planStartFailures,
		m.activePlans,
		m.eventsReceived,
		m.pushFailures,
		m.rowsPublished,
		m.publishFailures,
		m.evalFailures,
		m.publishDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) planStarted(planID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreatePlan(planID)
	m.plansStarted.Inc()
	m.activePlans.Inc()
}

func (m *Metrics) planStopped(planID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, planID)
	m.plansStopped.Inc()
	m.activePlans.Dec()
	m.pushFailures.DeleteLabelValues(planID)
}

func (m *Metrics) planStartFailed() {
	if m == nil {
		return
	}
	m.planStartFailures.Inc()
}

func (m *Metrics) eventReceived(result string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) eventPushed(planID string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := m.getOrCreatePlan(planID)
	if err != nil {
		counters.PushFailures++
		m.pushFailures.WithLabelValues(planID).Inc()
		return
	}
	counters.EventsPushed++
}

func (m *Metrics) rowPublished(planID, stream string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := m.getOrCreatePlan(planID)
	m.publishDuration.WithLabelValues(planID).Observe(took.Seconds())
	if err != nil {
		counters.PublishFailures++
		m.publishFailures.WithLabelValues(planID, stream).Inc()
		return
	}
	counters.RowsPublished++
	counters.LastRowAt = time.Now()
	m.rowsPublished.WithLabelValues(planID, stream).Inc()
}

func (m *Metrics) evaluationFailed() {
	if m == nil {
		return
	}
	m.evalFailures.Inc()
}

// Snapshot returns a copy of the per-plan totals.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Plans:       make(map[string]PlanCounters),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, counters := range m.plans {
		snapshot.Plans[id] = *counters
	}
	return snapshot
}

func (m *Metrics) getOrCreatePlan(planID string) *PlanCounters {
	if counters, ok := m.plans[planID]; ok {
		return counters
	}
	counters := &PlanCounters{}
	m.plans[planID] = counters
	return counters
}
