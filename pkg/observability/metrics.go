// Package observability exports Prometheus metrics for the pool, the
// dispatcher, and the query router. The pool's end callback is the single
// source of truth for task outcomes; this package subscribes to it.
package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/pool"
)

var (
	// TasksTotal counts task completions by name and outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adjutant_tasks_total",
		Help: "Total number of pool tasks completed, by outcome",
	}, []string{"task", "outcome"})

	// QueueDepth tracks the number of queued tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adjutant_queue_depth",
		Help: "Current number of tasks in the pool queue",
	})

	// InflightPerLabel tracks running tasks per label.
	InflightPerLabel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adjutant_inflight_tasks",
		Help: "Currently executing tasks per label",
	}, []string{"label"})

	// RemoteSubmits counts remote submissions by node and outcome.
	RemoteSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adjutant_remote_submits_total",
		Help: "Total number of remote task submissions, by node and outcome",
	}, []string{"node", "outcome"})
)

// PoolCallbacks returns start/end callbacks that keep the task metrics
// current. Install with Pool.SetCallbacks; wrap them if other subscribers
// need the events too.
func PoolCallbacks() (pool.StartCallback, pool.EndCallback) {
	onStart := func(task *pool.ScheduledTask) {
		for _, label := range task.Labels {
			InflightPerLabel.WithLabelValues(label).Inc()
		}
	}
	onEnd := func(task *pool.ScheduledTask, _ any, err error) {
		for _, label := range task.Labels {
			InflightPerLabel.WithLabelValues(label).Dec()
		}
		TasksTotal.WithLabelValues(task.Name, outcome(err)).Inc()
	}
	return onStart, onEnd
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, pool.ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, pool.ErrHandlerPanicked):
		return "panicked"
	default:
		return "failed"
	}
}

// ObservePool samples queue depth from the pool's stats on every scrape.
func ObservePool(p *pool.Pool) {
	QueueDepth.Set(float64(p.Stats().QueueDepth))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentedExecutor decorates a RemoteExecutor with submission counters.
type InstrumentedExecutor struct {
	Next dispatch.RemoteExecutor
}

// Submit implements dispatch.RemoteExecutor.
func (e InstrumentedExecutor) Submit(ctx context.Context, node *dispatch.RemoteNode, req dispatch.SubmitRequest) (string, error) {
	id, err := e.Next.Submit(ctx, node, req)
	if err != nil {
		RemoteSubmits.WithLabelValues(node.Name, "failed").Inc()
		return "", err
	}
	RemoteSubmits.WithLabelValues(node.Name, "ok").Inc()
	return id, nil
}

// Ping implements dispatch.RemoteExecutor.
func (e InstrumentedExecutor) Ping(ctx context.Context, node *dispatch.RemoteNode) error {
	return e.Next.Ping(ctx, node)
}
