// Package metrics holds the Prometheus collectors shared by the rule engine,
// the execution queue and the backtest simulator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpp_strategy"

// Metrics is the collector set. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	StrategyExecutions *prometheus.CounterVec
	RulesFired         *prometheus.CounterVec
	ActionsDispatched  *prometheus.CounterVec
	PredictorFailures  prometheus.Counter
	TasksFinished      *prometheus.CounterVec
	RiskRejections     *prometheus.CounterVec
	TaskDuration       prometheus.Histogram
	RunningTasks       prometheus.Gauge
	QueueDepth         prometheus.Gauge
	BacktestTicks      *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StrategyExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_executions_total",
			Help:      "Strategy evaluations by strategy type and outcome",
		}, []string{"type", "outcome"}),
		RulesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_fired_total",
			Help:      "Rules whose conditions held, by strategy",
		}, []string{"strategy"}),
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dispatched_total",
			Help:      "Dispatched actions by type and outcome",
		}, []string{"type", "outcome"}),
		PredictorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictor_failures_total",
			Help:      "Prediction collaborator calls that failed or were unavailable",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Execution tasks that reached a terminal status",
		}, []string{"status"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Tasks blocked by the risk gate by reason code",
		}, []string{"code"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from task start to terminal status",
			Buckets:   prometheus.DefBuckets,
		}),
		RunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tasks currently held by a worker",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending tasks, ready and deferred",
		}),
		BacktestTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtest_ticks_total",
			Help:      "Replayed backtest ticks by outcome",
		}, []string{"outcome"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Outbound events not queued because the event channel was full or closed",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.StrategyExecutions,
		m.RulesFired,
		m.ActionsDispatched,
		m.PredictorFailures,
		m.TasksFinished,
		m.RiskRejections,
		m.TaskDuration,
		m.RunningTasks,
		m.QueueDepth,
		m.BacktestTicks,
		m.EventsDropped,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStrategy(strategyType, outcome string) {
	if m == nil {
		return
	}
	m.StrategyExecutions.WithLabelValues(strategyType, outcome).Inc()
}

func (m *Metrics) ObserveRuleFired(strategyID string) {
	if m == nil {
		return
	}
	m.RulesFired.WithLabelValues(strategyID).Inc()
}

func (m *Metrics) ObserveAction(actionType, outcome string) {
	if m == nil {
		return
	}
	m.ActionsDispatched.WithLabelValues(actionType, outcome).Inc()
}

func (m *Metrics) ObservePredictorFailure() {
	if m == nil {
		return
	}
	m.PredictorFailures.Inc()
}

func (m *Metrics) ObserveTaskFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.TaskDuration.Observe(seconds)
	}
}

func (m *Metrics) ObserveRiskRejection(code string) {
	if m == nil {
		return
	}
	m.RiskRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) SetQueue(running, depth int) {
	if m == nil {
		return
	}
	m.RunningTasks.Set(float64(running))
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveBacktestTick(outcome string) {
	if m == nil {
		return
	}
	m.BacktestTicks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveEventDropped(eventType string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(eventType).Inc()
}
