package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(providerCalls, providerLatency, tokensIn, tokensOut, costUSD)
}

var (
	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_provider_calls_total",
			Help: "Provider completions by provider, model and outcome.",
		},
		[]string{"provider", "model", "success"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_provider_latency_seconds",
			Help:    "Provider call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"provider", "model"},
	)

	tokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_tokens_prompt_total",
			Help: "Prompt tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	tokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_tokens_completion_total",
			Help: "Completion tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	costUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cost_usd_total",
			Help: "Provider spend in USD per provider/model.",
		},
		[]string{"provider", "model"},
	)
)

// ObserveCompletion records one provider call
func ObserveCompletion(provider, model string, promptTokens, completionTokens int, cost float64, elapsed time.Duration, success bool) {
	lbl := []string{norm(provider), norm(model)}
	providerCalls.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).Inc()
	providerLatency.WithLabelValues(lbl...).Observe(elapsed.Seconds())
	if !success {
		return
	}
	tokensIn.WithLabelValues(lbl...).Add(float64(promptTokens))
	tokensOut.WithLabelValues(lbl...).Add(float64(completionTokens))
	costUSD.WithLabelValues(lbl...).Add(cost)
}
