// Package metrics exposes the Prometheus endpoint: client-observed FPS and
// latency, GPU utilization, and the most recent WebRTC statistics snapshot.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("metrics")

var fpsBuckets = []float64{0, 20, 40, 60}

// Exporter owns the registry and the HTTP listener.
type Exporter struct {
	registry *prometheus.Registry
	server   *http.Server
	port     int

	fps            prometheus.Gauge
	fpsHist        prometheus.Histogram
	gpuUtilization prometheus.Gauge
	latency        prometheus.Gauge
	webrtcStats    *prometheus.GaugeVec
}

func NewExporter(port int) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		port:     port,
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fps", Help: "Frames per second observed by client",
		}),
		fpsHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fps_hist", Help: "Histogram of FPS observed by client",
			Buckets: fpsBuckets,
		}),
		gpuUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_utilization", Help: "Utilization percentage reported by GPU",
		}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "latency", Help: "Latency observed by client",
		}),
		webrtcStats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webrtc_statistics", Help: "WebRTC statistics from the client",
		}, []string{"key"}),
	}
	registry.MustRegister(e.fps, e.fpsHist, e.gpuUtilization, e.latency, e.webrtcStats)
	return e
}

// SetFPS records a client FPS observation.
func (e *Exporter) SetFPS(fps float64) {
	e.fps.Set(fps)
	e.fpsHist.Observe(fps)
}

// SetGPUUtilization records GPU load as a percentage.
func (e *Exporter) SetGPUUtilization(percent float64) {
	e.gpuUtilization.Set(percent)
}

// SetLatency records the measured round trip in milliseconds.
func (e *Exporter) SetLatency(latencyMS float64) {
	e.latency.Set(latencyMS)
}

// SetWebRTCStat records one numeric client statistic.
func (e *Exporter) SetWebRTCStat(key string, value float64) {
	e.webrtcStats.WithLabelValues(key).Set(value)
}

// Handler returns the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run serves the scrape endpoint on localhost until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	e.server = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", e.port),
		Handler: e.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("metrics server listening", "port", e.port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
