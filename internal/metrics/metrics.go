// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lockTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_lock_triggers_total",
			Help: "Lock triggers created by the evaluator",
		},
		[]string{"trigger_type", "status"},
	)

	lockExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_lock_executions_total",
			Help: "Lock trigger executions by outcome",
		},
		[]string{"method", "result"},
	)

	rolloverSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_rollover_steps_total",
			Help: "Rollover leg submissions by outcome",
		},
		[]string{"step", "result"},
	)

	rolloverTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_rollover_tasks_total",
			Help: "Rollover tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	arbiterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_arbiter_decisions_total",
			Help: "Conflict arbiter admission decisions",
		},
		[]string{"mode", "verdict"},
	)

	conflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_conflicts_detected_total",
			Help: "Strategy conflicts recorded",
		},
		[]string{"conflict_type"},
	)

	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polar_gateway_requests_total",
			Help: "Order gateway calls by outcome",
		},
		[]string{"op", "outcome"},
	)

	gatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polar_gateway_duration_seconds",
			Help:    "Order gateway call duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"op"},
	)

	riskUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polar_group_risk_utilization",
			Help: "Latest risk utilization per strategy group",
		},
		[]string{"group_id"},
	)
)

func RecordLockTrigger(triggerType, status string) {
	lockTriggers.WithLabelValues(triggerType, status).Inc()
}

func RecordLockExecution(method, result string) {
	lockExecutions.WithLabelValues(method, result).Inc()
}

func RecordRolloverStep(step, result string) {
	rolloverSteps.WithLabelValues(step, result).Inc()
}

func RecordRolloverTask(status string) {
	rolloverTasks.WithLabelValues(status).Inc()
}

func RecordDecision(mode, verdict string) {
	arbiterDecisions.WithLabelValues(mode, verdict).Inc()
}

func RecordConflict(conflictType string) {
	conflictsDetected.WithLabelValues(conflictType).Inc()
}

func RecordGatewayCall(op, outcome string, d time.Duration) {
	gatewayRequests.WithLabelValues(op, outcome).Inc()
	gatewayDuration.WithLabelValues(op).Observe(d.Seconds())
}

func SetRiskUtilization(groupID string, v float64) {
	riskUtilization.WithLabelValues(groupID).Set(v)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
