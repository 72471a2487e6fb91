// Package metrics exposes Prometheus collectors for the three engines
// (jobs, processes, workflows) and the watchdog. Ambient operational
// visibility; not excluded by any documented Non-goal.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Number of jobs currently running in-process or externally.",
	})
	JobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "execore",
		Subsystem: "jobs",
		Name:      "claimed_total",
		Help:      "Total jobs atomically claimed off the queue.",
	})
	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "execore",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs completed, labeled by terminal status.",
	}, []string{"status"})

	ProcessesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore",
		Subsystem: "processes",
		Name:      "running",
		Help:      "Number of managed processes currently running.",
	})
	ProcessesRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "execore",
		Subsystem: "processes",
		Name:      "restarts_total",
		Help:      "Total managed process restarts performed by the supervisor.",
	})

	WorkflowInstancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "execore",
		Subsystem: "workflows",
		Name:      "instances_active",
		Help:      "Number of workflow instances currently running.",
	})
	WorkflowStepsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "execore",
		Subsystem: "workflows",
		Name:      "steps_completed_total",
		Help:      "Total workflow steps completed, labeled by status.",
	}, []string{"status"})

	WatchdogKillsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "execore",
		Subsystem: "watchdog",
		Name:      "kills_total",
		Help:      "Total escalate-kills performed by the watchdog, labeled by reason.",
	}, []string{"reason"})
	WatchdogScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "execore",
		Subsystem: "watchdog",
		Name:      "scan_duration_seconds",
		Help:      "Duration of a single watchdog scan pass.",
	})
)

// Register adds every collector to the given registerer. Call once at
// startup with prometheus.DefaultRegisterer (or a test registry).
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		JobsActive, JobsClaimedTotal, JobsCompletedTotal,
		ProcessesRunning, ProcessesRestartsTotal,
		WorkflowInstancesActive, WorkflowStepsCompletedTotal,
		WatchdogKillsTotal, WatchdogScanDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
