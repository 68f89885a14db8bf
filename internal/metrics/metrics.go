package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestration collectors.
//
// All methods are safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	// WebhookEvents counts provider webhooks.
	// Labels: event, result (handled|ignored|duplicate|error)
	WebhookEvents *prometheus.CounterVec

	// Transitions counts persisted call state transitions.
	// Labels: from, to
	Transitions *prometheus.CounterVec

	// Fallbacks counts switches to a secondary provider.
	// Labels: subsystem (recognition|synthesis|conversation)
	Fallbacks *prometheus.CounterVec

	// RecognitionSessions is the number of open recognition sessions.
	RecognitionSessions prometheus.Gauge

	// ConversationContexts is the number of live conversation contexts.
	ConversationContexts prometheus.Gauge

	// LLMDuration measures language model latency in seconds.
	// Labels: status (success|error)
	LLMDuration *prometheus.HistogramVec

	// ReconcilerCorrections counts calls forced into a new state by a sweep.
	// Labels: reason (never_placed|max_duration|lost_hangup|analyzed)
	ReconcilerCorrections *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Use prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_webhook_events_total",
			Help: "Provider webhook events by type and processing result",
		}, []string{"event", "result"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_call_transitions_total",
			Help: "Persisted call status transitions",
		}, []string{"from", "to"}),

		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_provider_fallbacks_total",
			Help: "Fallbacks to secondary providers by subsystem",
		}, []string{"subsystem"}),

		RecognitionSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "outbound_recognition_sessions",
			Help: "Open speech recognition sessions",
		}),

		ConversationContexts: f.NewGauge(prometheus.GaugeOpts{
			Name: "outbound_conversation_contexts",
			Help: "Live conversation contexts",
		}),

		LLMDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbound_llm_request_duration_seconds",
			Help:    "Language model request latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"status"}),

		ReconcilerCorrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_reconciler_corrections_total",
			Help: "Calls corrected by the background reconciler",
		}, []string{"reason"}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Webhook(event, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Fallback(subsystem string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(subsystem).Inc()
}

func (m *Metrics) SetRecognitionSessions(n int) {
	if m == nil {
		return
	}
	m.RecognitionSessions.Set(float64(n))
}

func (m *Metrics) SetConversationContexts(n int) {
	if m == nil {
		return
	}
	m.ConversationContexts.Set(float64(n))
}

func (m *Metrics) ObserveLLM(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) Correction(reason string) {
	if m == nil {
		return
	}
	m.ReconcilerCorrections.WithLabelValues(reason).Inc()
}
