// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics owns the Prometheus registries for both processes and
// the agent-side counter implementations the tailer and uploader plug
// into.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry builds a registry pre-loaded with the standard Go and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves a registry at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// AgentMetrics implements the tailer's and uploader's metric hooks.
type AgentMetrics struct {
	LinesParsed    prometheus.Counter
	ParseMisses    prometheus.Counter
	Rotations      prometheus.Counter
	EventsEnqueued prometheus.Counter
	EventsDropped  prometheus.Counter
	PostFailures   prometheus.Counter
	EventsPosted   prometheus.Counter
}

// NewAgentMetrics registers the agent's pipeline series against reg.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	m := &AgentMetrics{
		LinesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_lines_parsed_total",
			Help: "Access-log lines parsed into connection entries.",
		}),
		ParseMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_parse_misses_total",
			Help: "Access-log lines that matched no pattern and were skipped.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_log_rotations_total",
			Help: "Log rotations and truncations the tailer recovered from.",
		}),
		EventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_events_enqueued_total",
			Help: "Parsed entries handed to the upload queue.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_events_dropped_total",
			Help: "Entries dropped because the upload queue was full.",
		}),
		PostFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_post_failures_total",
			Help: "Upload requests that failed and were discarded.",
		}),
		EventsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_events_posted_total",
			Help: "Entries successfully delivered to the controller.",
		}),
	}
	reg.MustRegister(
		m.LinesParsed, m.ParseMisses, m.Rotations,
		m.EventsEnqueued, m.EventsDropped, m.PostFailures, m.EventsPosted,
	)
	return m
}

func (m *AgentMetrics) IncParsed()    { m.LinesParsed.Inc() }
func (m *AgentMetrics) IncParseMiss() { m.ParseMisses.Inc() }
func (m *AgentMetrics) IncRotation()  { m.Rotations.Inc() }

func (m *AgentMetrics) IncEnqueued()   { m.EventsEnqueued.Inc() }
func (m *AgentMetrics) IncDropped()    { m.EventsDropped.Inc() }
func (m *AgentMetrics) IncPostFailed() { m.PostFailures.Inc() }
func (m *AgentMetrics) IncPosted(n int) {
	m.EventsPosted.Add(float64(n))
}

// EnforcementMetrics are the controller's violation/enforcement series.
type EnforcementMetrics struct {
	Violations       prometheus.Counter
	Enforcements     prometheus.Counter
	ReEnables        prometheus.Counter
	FanoutFailures   prometheus.Counter
	BlockedSubsGauge prometheus.Gauge
}

func (m *EnforcementMetrics) IncViolation()     { m.Violations.Inc() }
func (m *EnforcementMetrics) IncEnforcement()   { m.Enforcements.Inc() }
func (m *EnforcementMetrics) IncReEnable()      { m.ReEnables.Inc() }
func (m *EnforcementMetrics) IncFanoutFailure() { m.FanoutFailures.Inc() }
func (m *EnforcementMetrics) SetBlockedSubscribers(n int) {
	m.BlockedSubsGauge.Set(float64(n))
}

// NewEnforcementMetrics registers the controller's enforcement series
// against reg.
func NewEnforcementMetrics(reg prometheus.Registerer) *EnforcementMetrics {
	m := &EnforcementMetrics{
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_violations_total",
			Help: "Violation events emitted by the detector.",
		}),
		Enforcements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_enforcements_total",
			Help: "Enforcement runs that disabled a subscription.",
		}),
		ReEnables: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_reenables_total",
			Help: "Subscriptions re-enabled after their disable window.",
		}),
		FanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_fanout_failures_total",
			Help: "Per-node block calls that failed during fan-out.",
		}),
		BlockedSubsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicewall_blocked_subscribers",
			Help: "Subscribers currently disabled upstream.",
		}),
	}
	reg.MustRegister(m.Violations, m.Enforcements, m.ReEnables, m.FanoutFailures, m.BlockedSubsGauge)
	return m
}
