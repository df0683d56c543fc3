// Package metrics exposes pipeline and viewer counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crowdwatch/internal/pipeline"
)

// PipelineSource is the read side of the pipeline scraped on each request
type PipelineSource interface {
	Stats() pipeline.Stats
	Snapshot() pipeline.Snapshot
}

// ClientCounter reports connected viewers
type ClientCounter interface {
	ClientCount() int
}

// ClientCountFunc adapts a function to ClientCounter
type ClientCountFunc func() int

func (f ClientCountFunc) ClientCount() int { return f() }

// Metrics holds the Prometheus registry
type Metrics struct {
	registry *prometheus.Registry
}

// New registers collectors reading from p, ws and stream. Values are
// computed at scrape time, so nothing has to be updated by hand.
func New(p PipelineSource, ws, stream ClientCounter) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	counter := func(name, help string, read func(pipeline.Stats) uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: "crowdwatch", Name: name, Help: help},
			func() float64 { return float64(read(p.Stats())) },
		))
	}

	counter("frames_submitted_total", "Frames published to the frame slot",
		func(s pipeline.Stats) uint64 { return s.FramesSubmitted })
	counter("frames_overwritten_total", "Pending frames replaced before inference took them",
		func(s pipeline.Stats) uint64 { return s.FramesOverwritten })
	counter("decode_errors_total", "Submitted frames that could not be decoded",
		func(s pipeline.Stats) uint64 { return s.DecodeErrors })
	counter("frames_taken_total", "Frames taken from the slot by the inference worker",
		func(s pipeline.Stats) uint64 { return s.FramesTaken })
	counter("inferences_total", "Completed detector calls",
		func(s pipeline.Stats) uint64 { return s.Inferences })
	counter("detector_errors_total", "Failed detector calls",
		func(s pipeline.Stats) uint64 { return s.DetectorErrors })

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "crowdwatch", Name: "last_inference_ms", Help: "Duration of the last detector call in milliseconds"},
		func() float64 { return float64(p.Stats().LastInferenceMs) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "crowdwatch", Name: "crowd_count", Help: "People counted in the latest detection state"},
		func() float64 { return float64(p.Snapshot().Count) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "crowdwatch", Name: "high_density", Help: "1 while the alert level is HIGH_DENSITY"},
		func() float64 {
			if p.Snapshot().Alert == pipeline.AlertHighDensity {
				return 1
			}
			return 0
		},
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "crowdwatch", Name: "ws_clients", Help: "Connected WebSocket viewers"},
		func() float64 { return float64(ws.ClientCount()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "crowdwatch", Name: "stream_clients", Help: "Connected MJPEG viewers"},
		func() float64 { return float64(stream.ClientCount()) },
	))

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
