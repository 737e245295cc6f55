// Package telemetry aggregates per-request performance metrics scraped from
// backend stdout and exposes them as a JSON snapshot and Prometheus gauges.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delta carries the fields extracted from one backend log line. Nil fields
// leave the snapshot value untouched.
type Delta struct {
	InputTokens      *int
	OutputTokens     *int
	PromptTokens     *int
	TimeToFirstToken *float64
	TokensPerSecond  *float64
	DecodeTokenTimes []float64
}

// Empty reports whether the delta carries no fields.
func (d Delta) Empty() bool {
	return d.InputTokens == nil && d.OutputTokens == nil && d.PromptTokens == nil &&
		d.TimeToFirstToken == nil && d.TokensPerSecond == nil && len(d.DecodeTokenTimes) == 0
}

// Snapshot holds the last-request metrics. It is overwritten field-by-field
// as requests complete; readers always observe a consistent snapshot.
type Snapshot struct {
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	PromptTokens     int       `json:"prompt_tokens"`
	TimeToFirstToken float64   `json:"time_to_first_token"`
	TokensPerSecond  float64   `json:"tokens_per_second"`
	DecodeTokenTimes []float64 `json:"decode_token_times"`
	ModelsLoaded     int       `json:"models_loaded"`
}

// Aggregator collects deltas under a mutex and mirrors them into a Prometheus
// registry.
type Aggregator struct {
	mu   sync.Mutex
	snap Snapshot

	registry        *prometheus.Registry
	inputTokens     prometheus.Gauge
	outputTokens    prometheus.Gauge
	promptTokens    prometheus.Gauge
	ttft            prometheus.Gauge
	tokensPerSecond prometheus.Gauge
	modelsLoaded    prometheus.Gauge
	requestsTotal   prometheus.Counter
}

// NewAggregator creates an aggregator with its own Prometheus registry.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		registry: prometheus.NewRegistry(),
		inputTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonade_input_tokens",
			Help: "Input token count of the last completed request.",
		}),
		outputTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonade_output_tokens",
			Help: "Output token count of the last completed request.",
		}),
		promptTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonade_prompt_tokens",
			Help: "Prompt token count of the last completed request.",
		}),
		ttft: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonade_time_to_first_token_seconds",
			Help: "Time to first token of the last completed request.",
		}),
		tokensPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonade_tokens_per_second",
			Help: "Decode throughput of the last completed request.",
		}),
		modelsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemonade_models_loaded",
			Help: "Number of currently loaded backend processes.",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lemonade_requests_total",
			Help: "Number of telemetry-bearing requests observed.",
		}),
	}
	a.registry.MustRegister(
		a.inputTokens, a.outputTokens, a.promptTokens,
		a.ttft, a.tokensPerSecond, a.modelsLoaded, a.requestsTotal,
	)
	return a
}

// Record folds a delta into the snapshot. Unrecognized (empty) deltas are
// ignored.
func (a *Aggregator) Record(delta Delta) {
	if delta.Empty() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if delta.InputTokens != nil {
		a.snap.InputTokens = *delta.InputTokens
		a.inputTokens.Set(float64(*delta.InputTokens))
	}
	if delta.OutputTokens != nil {
		a.snap.OutputTokens = *delta.OutputTokens
		a.outputTokens.Set(float64(*delta.OutputTokens))
		a.requestsTotal.Inc()
	}
	if delta.PromptTokens != nil {
		a.snap.PromptTokens = *delta.PromptTokens
		a.promptTokens.Set(float64(*delta.PromptTokens))
	}
	if delta.TimeToFirstToken != nil {
		a.snap.TimeToFirstToken = *delta.TimeToFirstToken
		a.ttft.Set(*delta.TimeToFirstToken)
	}
	if delta.TokensPerSecond != nil {
		a.snap.TokensPerSecond = *delta.TokensPerSecond
		a.tokensPerSecond.Set(*delta.TokensPerSecond)
	}
	if len(delta.DecodeTokenTimes) > 0 {
		a.snap.DecodeTokenTimes = append([]float64(nil), delta.DecodeTokenTimes...)
	}
}

// SetModelsLoaded records the current loaded-model count.
func (a *Aggregator) SetModelsLoaded(count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.ModelsLoaded = count
	a.modelsLoaded.Set(float64(count))
}

// Snapshot returns a copy of the current metrics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.snap
	snap.DecodeTokenTimes = append([]float64(nil), a.snap.DecodeTokenTimes...)
	return snap
}

// MetricsHandler serves the Prometheus exposition format.
func (a *Aggregator) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// IntPtr is a convenience for building deltas.
func IntPtr(v int) *int {
	return &v
}

// FloatPtr is a convenience for building deltas.
func FloatPtr(v float64) *float64 {
	return &v
}
