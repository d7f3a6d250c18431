package observers

import (
	"net/http"

	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver turns metrics events into Prometheus series on a
// private registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	ConnectionsTotal   *prometheus.CounterVec
	Reclassifications  prometheus.Counter
	FramesDecoded      prometheus.Counter
	ChunksFlushed      prometheus.Counter
	ChunkBytes         prometheus.Counter
	TranscriptionTotal *prometheus.CounterVec
	TranscriptionTime  *prometheus.HistogramVec
	SegmentsTotal      *prometheus.CounterVec
	SegmentAge         prometheus.Histogram
	ObserversConnected prometheus.Gauge
}

func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "callscribe"
	}
	p := &PrometheusObserver{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Call sessions currently registered",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Call sessions started",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Websocket connections accepted, by initial role",
		}, []string{"role"}),
		Reclassifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclassifications_total",
			Help:      "Observer connections moved onto the media path",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_decoded_total",
			Help:      "Media frames decoded and buffered",
		}),
		ChunksFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_flushed_total",
			Help:      "Transcription requests created from buffered audio",
		}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_pcm_bytes_total",
			Help:      "PCM bytes sent for transcription",
		}),
		TranscriptionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Transcription requests by terminal state",
		}, []string{"provider", "state"}),
		TranscriptionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Time from request creation to terminal state",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 12, 16, 20},
		}, []string{"state"}),
		SegmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Transcript segments delivered, by reason",
		}, []string{"reason"}),
		SegmentAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_age_seconds",
			Help:      "Age of the oldest text in a delivered segment",
			Buckets:   prometheus.LinearBuckets(0.5, 0.5, 10),
		}),
		ObserversConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_connected",
			Help:      "Observer connections receiving broadcasts",
		}),
	}
	p.registry.MustRegister(
		p.SessionsActive,
		p.SessionsTotal,
		p.ConnectionsTotal,
		p.Reclassifications,
		p.FramesDecoded,
		p.ChunksFlushed,
		p.ChunkBytes,
		p.TranscriptionTotal,
		p.TranscriptionTime,
		p.SegmentsTotal,
		p.SegmentAge,
		p.ObserversConnected,
	)
	return p
}

func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	tag := func(k string) string {
		if ev.Tags == nil {
			return ""
		}
		return ev.Tags[k]
	}
	switch ev.Name {
	case "session_started":
		p.SessionsTotal.Inc()
		p.SessionsActive.Set(ev.Value)
	case "session_ended":
		p.SessionsActive.Set(ev.Value)
	case "connection_opened":
		p.ConnectionsTotal.WithLabelValues(tag("role")).Inc()
	case "connection_reclassified":
		p.Reclassifications.Inc()
	case "frame_decoded":
		p.FramesDecoded.Inc()
	case "chunk_flushed":
		p.ChunksFlushed.Inc()
		p.ChunkBytes.Add(ev.Value)
	case "transcription_result":
		p.TranscriptionTotal.WithLabelValues(tag("provider"), tag("state")).Inc()
		p.TranscriptionTime.WithLabelValues(tag("state")).Observe(ev.Value / 1000)
	case "segment_delivered":
		p.SegmentsTotal.WithLabelValues(tag("reason")).Inc()
		p.SegmentAge.Observe(ev.Value / 1000)
	case "observer_connected", "observer_disconnected":
		p.ObserversConnected.Set(ev.Value)
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
