// Package metrics exports training progress as Prometheus metrics.
//
// All methods accept a nil *Metrics, so callers that do not want metrics pass nil.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const (
	namespace = "entitydetection"
	subsystem = "train"
)

// Metrics holds the training collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	Iterations       prometheus.Counter
	Checkpoints      prometheus.Counter
	Epoch            prometheus.Gauge
	Loss             prometheus.Gauge
	TrainAccuracy    prometheus.Gauge
	DevScore         *prometheus.GaugeVec
	BestF1           prometheus.Gauge
	ItersNotImproved prometheus.Gauge
	EarlyStopped     prometheus.Gauge
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

// New creates the training metrics on a fresh registry, together with the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		Iterations:    newCounter("iterations_total", "Number of optimizer steps taken"),
		Checkpoints:   newCounter("checkpoints_total", "Number of best-model checkpoints written"),
		Epoch:         newGauge("epoch", "Current epoch"),
		Loss:          newGauge("loss", "Training loss of the last batch"),
		TrainAccuracy: newGauge("accuracy", "Running exact-match accuracy (percent) over the current epoch"),
		DevScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dev_score",
			Help:      "Span scores of the last validation pass",
		}, []string{"score"}),
		BestF1:           newGauge("best_dev_f1", "Best validation F1 so far"),
		ItersNotImproved: newGauge("validations_not_improved", "Consecutive validations without F1 improvement"),
		EarlyStopped:     newGauge("early_stopped", "1 once training stopped early"),
	}
	m.registry.MustRegister(
		m.Iterations, m.Checkpoints, m.Epoch, m.Loss, m.TrainAccuracy,
		m.DevScore, m.BestF1, m.ItersNotImproved, m.EarlyStopped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveStep records one optimizer step.
func (m *Metrics) ObserveStep(epoch int, loss, accuracy float64) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.Epoch.Set(float64(epoch))
	m.Loss.Set(loss)
	m.TrainAccuracy.Set(accuracy)
}

// ObserveValidation records the scores of a validation pass and the early stopping counters.
func (m *Metrics) ObserveValidation(precision, recall, f1, bestF1 float64, notImproved int) {
	if m == nil {
		return
	}
	m.DevScore.WithLabelValues("precision").Set(precision)
	m.DevScore.WithLabelValues("recall").Set(recall)
	m.DevScore.WithLabelValues("f1").Set(f1)
	m.BestF1.Set(bestF1)
	m.ItersNotImproved.Set(float64(notImproved))
}

// ObserveCheckpoint records a best-model checkpoint.
func (m *Metrics) ObserveCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

// ObserveEarlyStop records that training stopped early.
func (m *Metrics) ObserveEarlyStop() {
	if m == nil {
		return
	}
	m.EarlyStopped.Set(1)
}

// Handler returns the HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes the metrics on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil {
		return errors.New("metrics not enabled")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("metrics server shutdown: %v", err)
		}
	}()
	klog.Infof("Serving metrics on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "metrics server on %q", addr)
	}
	return nil
}
