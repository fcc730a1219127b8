package review

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/invoiceshield/internal/agent"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
)

// Metrics holds Prometheus metrics for the review subsystem.
type Metrics struct {
	CasesTotal       *prometheus.CounterVec
	CaseDuration     *prometheus.HistogramVec
	EscalationsTotal *prometheus.CounterVec
	SubmitsTotal     *prometheus.CounterVec
	StageRunsTotal   *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	GateEvaluations  *prometheus.CounterVec
	GateScore        *prometheus.HistogramVec
	AgentRunsTotal   *prometheus.CounterVec
	AgentDuration    *prometheus.HistogramVec
	AgentTokensIn    prometheus.Histogram
	AgentTokensOut   prometheus.Histogram
	AgentToolCalls   prometheus.Histogram
	LLMCallsTotal    prometheus.Counter
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	ToolCallsTotal   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ToolInputBytes   *prometheus.HistogramVec
	ToolOutputBytes  *prometheus.HistogramVec
}

// NewMetrics registers and returns review metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_cases_total",
			Help: "Total review cases by final status.",
		}, []string{"status"}),
		CaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_case_duration_seconds",
			Help:    "Duration of review pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~410s
		}, []string{"status"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_escalations_total",
			Help: "Total escalated cases by risk rating.",
		}, []string{"risk"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_submits_total",
			Help: "Total batch submissions by result.",
		}, []string{"result"}),
		StageRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_stage_runs_total",
			Help: "Total pipeline stage runs by stage and status.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}, []string{"stage"}),
		GateEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_gate_evaluations_total",
			Help: "Total confidence gate evaluations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		GateScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_gate_score",
			Help:    "Anomaly scores seen by the confidence gate.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}, []string{"stage"}),
		AgentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_agent_runs_total",
			Help: "Total agent runs by agent and final status.",
		}, []string{"agent", "status"}),
		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_agent_duration_seconds",
			Help:    "Duration of agent runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"agent", "model"}),
		AgentTokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoiceshield_agent_tokens_input",
			Help:    "Input tokens consumed per agent run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		AgentTokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoiceshield_agent_tokens_output",
			Help:    "Output tokens consumed per agent run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		AgentToolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoiceshield_agent_tool_calls",
			Help:    "Tool calls per agent run.",
			Buckets: prometheus.LinearBuckets(0, 1, 16), // 0 .. 15
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoiceshield_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoiceshield_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoiceshield_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoiceshield_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoiceshield_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		ToolInputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_tool_input_bytes",
			Help:    "Size of tool input in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoiceshield_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
	}

	reg.MustRegister(
		m.CasesTotal,
		m.CaseDuration,
		m.EscalationsTotal,
		m.SubmitsTotal,
		m.StageRunsTotal,
		m.StageDuration,
		m.GateEvaluations,
		m.GateScore,
		m.AgentRunsTotal,
		m.AgentDuration,
		m.AgentTokensIn,
		m.AgentTokensOut,
		m.AgentToolCalls,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolInputBytes,
		m.ToolOutputBytes,
	)

	return m
}

// AgentHooks returns agent.EngineHooks that increment the LLM, tool and
// agent metrics.
func (m *Metrics) AgentHooks() agent.EngineHooks {
	return agent.EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, inputBytes, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolInputBytes.WithLabelValues(name).Observe(float64(inputBytes))
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
		OnComplete: func(e *agent.CompleteEvent) {
			m.AgentRunsTotal.WithLabelValues(e.Agent, string(e.Status)).Inc()
			m.AgentDuration.WithLabelValues(e.Agent, e.Model).Observe(e.Duration)
			m.AgentTokensIn.Observe(float64(e.TokensIn))
			m.AgentTokensOut.Observe(float64(e.TokensOut))
			m.AgentToolCalls.Observe(float64(e.ToolCalls))
		},
	}
}

// PipelineHooks returns pipeline.Hooks that record stage runs and gate
// evaluations.
func (m *Metrics) PipelineHooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnStage: func(name string, status pipeline.Status, duration float64) {
			m.StageRunsTotal.WithLabelValues(name, string(status)).Inc()
			m.StageDuration.WithLabelValues(name).Observe(duration)
		},
		OnGate: func(stage string, _ int, score float64, escalated bool) {
			m.observeGate(stage, score, escalated)
		},
	}
}

func (m *Metrics) observeGate(stage string, score float64, escalated bool) {
	outcome := "pass"
	if escalated {
		outcome = "escalate"
	}
	m.GateEvaluations.WithLabelValues(stage, outcome).Inc()
	m.GateScore.WithLabelValues(stage).Observe(score)
}

func (m *Metrics) observeCase(c *Case) {
	m.CasesTotal.WithLabelValues(string(c.Status)).Inc()
	m.CaseDuration.WithLabelValues(string(c.Status)).Observe(c.Duration)
	if c.Escalated {
		risk := c.Risk
		if risk == "" {
			risk = "unknown"
		}
		m.EscalationsTotal.WithLabelValues(risk).Inc()
	}
}
