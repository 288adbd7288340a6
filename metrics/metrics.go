package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the engine's Prometheus series. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	fundingSteps     *prometheus.CounterVec
	idFallbacks      prometheus.Counter
	publishFailures  prometheus.Counter
	verdicts         *prometheus.CounterVec
	judgeUnavailable prometheus.Counter
	reconciled       *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		fundingSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "funding_steps_total",
			Help:      "Funding sequence steps by ordinal and outcome.",
		}, []string{"step", "outcome"}),
		idFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "job_id_fallbacks_total",
			Help:      "Funding receipts without a JobCreated event.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "projection_publish_failures_total",
			Help:      "Jobs funded on chain whose projection publish failed.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "judge_verdicts_total",
			Help:      "Verdicts returned by the judge.",
		}, []string{"verdict"}),
		judgeUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "judge_unavailable_total",
			Help:      "Submissions that could not reach the judge.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "reconciled_jobs_total",
			Help:      "Projection repairs made by the reconciliation sweep.",
		}, []string{"action"}),
	}
	reg.MustRegister(c.fundingSteps, c.idFallbacks, c.publishFailures, c.verdicts, c.judgeUnavailable, c.reconciled)
	return c
}

// FundingStep counts one step outcome ("ok" or "error").
func (c *Collectors) FundingStep(step int, outcome string) {
	if c == nil {
		return
	}
	c.fundingSteps.WithLabelValues(strconv.Itoa(step), outcome).Inc()
}

func (c *Collectors) IDFallback() {
	if c == nil {
		return
	}
	c.idFallbacks.Inc()
}

func (c *Collectors) PublishFailure() {
	if c == nil {
		return
	}
	c.publishFailures.Inc()
}

func (c *Collectors) Verdict(verdict string) {
	if c == nil {
		return
	}
	c.verdicts.WithLabelValues(verdict).Inc()
}

func (c *Collectors) JudgeUnavailable() {
	if c == nil {
		return
	}
	c.judgeUnavailable.Inc()
}

// Reconciled counts a sweep repair: "published", "rekeyed", "amount_corrected", "refunded" or "settled".
func (c *Collectors) Reconciled(action string) {
	if c == nil {
		return
	}
	c.reconciled.WithLabelValues(action).Inc()
}
