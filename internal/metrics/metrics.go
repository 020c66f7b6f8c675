// Package metrics exports diagnostic run, step and telemetry measurements
// as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpudiag"

// Recorder implements the coordinator's metrics hooks.
type Recorder struct {
	gatherer prometheus.Gatherer

	runsAccepted    *prometheus.CounterVec
	runDevices      *prometheus.CounterVec
	stepsFinished   *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	peakTemperature *prometheus.GaugeVec
	stressScore     *prometheus.GaugeVec
}

// New registers the diagnostic metrics with reg. A nil reg uses a fresh
// registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Recorder{
		gatherer: reg,

		runsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_accepted_total",
			Help:      "Accepted diagnostic and stress requests.",
		}, []string{"kind"}),

		runDevices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_devices_total",
			Help:      "Devices covered by accepted requests.",
		}, []string{"kind"}),

		stepsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_finished_total",
			Help:      "Finished diagnostic steps by result.",
		}, []string{"step", "result"}),

		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Diagnostic step duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step"}),

		peakTemperature: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_temperature_celsius",
			Help:      "Peak device temperature seen by the last benchmark step.",
		}, []string{"device"}),

		stressScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stress_score_giops",
			Help:      "Latest integer compute score of a stress run.",
		}, []string{"device"}),
	}
}

func (r *Recorder) RunAccepted(kind string, devices int) {
	r.runsAccepted.WithLabelValues(kind).Inc()
	r.runDevices.WithLabelValues(kind).Add(float64(devices))
}

func (r *Recorder) StepFinished(step string, result string, elapsed time.Duration) {
	r.stepsFinished.WithLabelValues(step, result).Inc()
	r.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

func (r *Recorder) PeakTemperature(deviceID int, celsius float64) {
	r.peakTemperature.WithLabelValues(strconv.Itoa(deviceID)).Set(celsius)
}

func (r *Recorder) StressScore(deviceID int, giops float64) {
	r.stressScore.WithLabelValues(strconv.Itoa(deviceID)).Set(giops)
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
