package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder mirrors run results into a private Prometheus registry so they can
// be written out as a node-exporter textfile.
type Recorder struct {
	registry *prometheus.Registry
	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	phases   *prometheus.GaugeVec
	success  prometheus.Gauge
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deskrun",
				Name:      "attempts_total",
				Help:      "Attempts run, by final state.",
			},
			[]string{"result"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "deskrun",
				Name:      "failures_total",
				Help:      "Timed-out attempts, by classified reason.",
			},
			[]string{"reason"},
		),
		phases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "deskrun",
				Name:      "phase_seconds",
				Help:      "Duration of each named run phase.",
			},
			[]string{"phase"},
		),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskrun",
			Name:      "run_success",
			Help:      "1 when the last run produced the target, else 0.",
		}),
	}
	r.registry.MustRegister(r.attempts, r.failures, r.phases, r.success)
	return r
}

func (r *Recorder) Attempt(result string) {
	r.attempts.WithLabelValues(result).Inc()
}

func (r *Recorder) Failure(reason string) {
	r.failures.WithLabelValues(reason).Inc()
}

func (r *Recorder) Phases(p *Phases) {
	for _, phase := range p.All() {
		r.phases.WithLabelValues(phase.Name).Set(phase.Seconds)
	}
}

func (r *Recorder) Success(ok bool) {
	if ok {
		r.success.Set(1)
		return
	}
	r.success.Set(0)
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile atomically writes the registry in text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
