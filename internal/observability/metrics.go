package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServiceName identifies this service in logs, health responses and gRPC health
const ServiceName = "voice-translator"

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_translator_active_sessions",
		Help: "Number of active translation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_translator_sessions_total",
		Help: "Total number of translation sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_translator_session_duration_seconds",
		Help:    "Duration of translation sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// VAD metrics
	vadTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_vad_transitions_total",
		Help: "VAD state transitions by target state",
	}, []string{"state"})

	speechSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_speech_segments_total",
		Help: "Speech segments by outcome",
	}, []string{"outcome"})

	segmentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_translator_segment_duration_seconds",
		Help:    "Duration of emitted speech segments in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_dropped_events_total",
		Help: "Events discarded because a consumer fell behind",
	}, []string{"kind"})

	// Pipeline metrics
	sttRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_stt_requests_total",
		Help: "Total number of STT requests",
	}, []string{"status"})

	sttLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_translator_stt_latency_seconds",
		Help:    "STT processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	translationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_translation_requests_total",
		Help: "Total number of translation requests",
	}, []string{"status"})

	translationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_translator_translation_latency_seconds",
		Help:    "Translation latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_translator_tts_latency_seconds",
		Help:    "TTS processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	pipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_translator_pipeline_queue_depth",
		Help: "Segments waiting for transcription across all sessions",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_translator_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"provider"})

	circuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_circuit_breaker_transitions_total",
		Help: "Circuit breaker transitions by target state",
	}, []string{"provider", "state"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_translator_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single translation session
type Metrics struct {
	sessionID          string
	startTime          time.Time
	sttStartTime       time.Time
	translateStartTime time.Time
	ttsStartTime       time.Time
	mu                 sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStateChange counts a VAD transition into state
func (m *Metrics) RecordStateChange(state string) {
	vadTransitions.WithLabelValues(state).Inc()
}

// RecordSegment counts a finished segment. Duration is observed only for
// segments that were handed on.
func (m *Metrics) RecordSegment(outcome string, d time.Duration) {
	speechSegments.WithLabelValues(outcome).Inc()
	if outcome == "emitted" || outcome == "truncated" {
		segmentDuration.Observe(d.Seconds())
	}
}

// RecordDroppedEvents counts discarded events of a kind
func (m *Metrics) RecordDroppedEvents(kind string, n int) {
	if n > 0 {
		droppedEvents.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordSTTStart records the start of STT processing
func (m *Metrics) RecordSTTStart() {
	m.mu.Lock()
	m.sttStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSTTEnd records the end of STT processing
func (m *Metrics) RecordSTTEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sttStartTime.IsZero() {
		sttLatency.Observe(time.Since(m.sttStartTime).Seconds())
	}
	sttRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTranslationStart records the start of a translation request
func (m *Metrics) RecordTranslationStart() {
	m.mu.Lock()
	m.translateStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTranslationEnd records the end of a translation request
func (m *Metrics) RecordTranslationEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.translateStartTime.IsZero() {
		translationLatency.Observe(time.Since(m.translateStartTime).Seconds())
	}
	translationRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTTSStart records the start of TTS processing
func (m *Metrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTTSEnd records the end of TTS processing
func (m *Metrics) RecordTTSEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ttsStartTime.IsZero() {
		ttsLatency.Observe(time.Since(m.ttsStartTime).Seconds())
	}
	ttsRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordQueueDelta adjusts the pipeline queue depth gauge
func (m *Metrics) RecordQueueDelta(delta int) {
	pipelineQueueDepth.Add(float64(delta))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState records a provider's breaker entering state
func UpdateCircuitBreakerState(provider string, state int, stateName string) {
	circuitBreakerState.WithLabelValues(provider).Set(float64(state))
	circuitBreakerTransitions.WithLabelValues(provider, stateName).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
