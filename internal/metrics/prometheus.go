package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prom is the Prometheus-backed Recorder.
type Prom struct {
	emitted    *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	dispatch   *prometheus.HistogramVec
	status     *prometheus.CounterVec
	transition *prometheus.CounterVec
}

var _ Recorder = (*Prom)(nil)

// NewProm registers the runtime's collectors with reg and returns the
// Recorder that feeds them.
func NewProm(reg prometheus.Registerer) *Prom {
	factory := promauto.With(reg)
	return &Prom{
		emitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "animus",
			Name:      "events_emitted_total",
			Help:      "Events accepted by the bus, by topic.",
		}, []string{"topic"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "animus",
			Name:      "events_rejected_total",
			Help:      "Emissions rejected at validation time, by topic.",
		}, []string{"topic"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "animus",
			Name:      "handler_failures_total",
			Help:      "Subscriber handlers that returned an error or timed out.",
		}, []string{"topic", "timed_out"}),
		dispatch: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "animus",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering one event to all of its handlers.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"topic"}),
		status: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "animus",
			Name:      "service_status_changes_total",
			Help:      "Service lifecycle status transitions.",
		}, []string{"service", "status"}),
		transition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "animus",
			Name:      "mode_transitions_total",
			Help:      "Mode transitions by outcome.",
		}, []string{"from", "to", "outcome"}),
	}
}

func (p *Prom) EventEmitted(topic string)  { p.emitted.WithLabelValues(topic).Inc() }
func (p *Prom) EventRejected(topic string) { p.rejected.WithLabelValues(topic).Inc() }

func (p *Prom) HandlerFailure(topic string, timedOut bool) {
	p.failures.WithLabelValues(topic, strconv.FormatBool(timedOut)).Inc()
}

func (p *Prom) DispatchDuration(topic string, d time.Duration) {
	p.dispatch.WithLabelValues(topic).Observe(d.Seconds())
}

func (p *Prom) ServiceStatus(service, status string) {
	p.status.WithLabelValues(service, status).Inc()
}

func (p *Prom) ModeTransition(from, to, outcome string) {
	p.transition.WithLabelValues(from, to, outcome).Inc()
}
