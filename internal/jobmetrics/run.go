package jobmetrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run collects the outcome of one batch command in its own registry, so a
// push only carries that command's series.
type Run struct {
	registry    *prometheus.Registry
	startedAt   time.Time
	items       *prometheus.GaugeVec
	duration    prometheus.Gauge
	failed      prometheus.Gauge
	lastSuccess prometheus.Gauge
}

func NewRun(command string, startedAt time.Time) *Run {
	labels := prometheus.Labels{"command": normalizeLabel(command)}
	r := &Run{
		registry:  prometheus.NewRegistry(),
		startedAt: startedAt,
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "clientdesk_job_items",
			Help:        "Invoices handled by the last run, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "clientdesk_job_duration_seconds",
			Help:        "Wall time of the last run.",
			ConstLabels: labels,
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "clientdesk_job_failed",
			Help:        "1 when the last run returned an error.",
			ConstLabels: labels,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "clientdesk_job_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful run.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.items, r.duration, r.failed)
	return r
}

func (r *Run) SetItems(outcome string, count int) {
	if r == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	r.items.WithLabelValues(normalizeLabel(outcome)).Set(float64(count))
}

// Finish stamps duration and result. The success timestamp is only
// registered on success so a failed run does not reset it on the gateway.
func (r *Run) Finish(finishedAt time.Time, err error) {
	if r == nil {
		return
	}
	r.duration.Set(finishedAt.Sub(r.startedAt).Seconds())
	if err != nil {
		r.failed.Set(1)
		return
	}
	r.failed.Set(0)
	r.lastSuccess.Set(float64(finishedAt.Unix()))
	_ = r.registry.Register(r.lastSuccess)
}

func (r *Run) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
