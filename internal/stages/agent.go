package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/agent"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// AgentRuns is the context key collecting the results of agent stages.
const AgentRuns = "agent_runs"

var errNoJSONObject = errors.New("agent output contains no JSON object")

// agentStage runs an LLM agent over the declared inputs and merges the
// declared output keys of its JSON answer into the context.
type agentStage struct {
	name    string
	spec    agent.Spec
	inputs  []string
	outputs []string
	engine  *agent.Engine
	logger  log.Logger
}

func (s *agentStage) Name() string { return s.name }

func (s *agentStage) Run(ctx context.Context, sc signal.Context) error {
	prompt, err := s.prompt(sc)
	if err != nil {
		return err
	}

	rr := s.engine.Run(ctx, s.spec, prompt, nil)
	recordAgentRun(sc, rr)

	if rr.Status != agent.StatusComplete {
		return fmt.Errorf("agent %s: %s", s.spec.Name, rr.Output)
	}
	if rr.Exhausted != "" {
		return fmt.Errorf("agent %s: %s budget exhausted", s.spec.Name, rr.Exhausted)
	}

	obj, err := parseObject(rr.Output)
	if err != nil {
		return fmt.Errorf("agent %s: %w", s.spec.Name, err)
	}
	for _, key := range s.outputs {
		v, ok := obj[key]
		if !ok {
			continue
		}
		sc[key] = v
	}
	s.logger.Info(ctx, "agent stage complete",
		"agent", s.spec.Name,
		"tool_calls", rr.ToolCalls,
		"input_tokens", rr.InputTokensUsed,
		"output_tokens", rr.OutputTokensUsed,
	)
	return nil
}

// prompt renders the declared inputs as JSON and names the keys the answer
// must contain.
func (s *agentStage) prompt(sc signal.Context) (string, error) {
	in := make(map[string]any, len(s.inputs)+2)
	for _, k := range []string{signal.CaseID, signal.BatchID} {
		if sc.Has(k) {
			in[k] = sc[k]
		}
	}
	for _, k := range s.inputs {
		if sc.Has(k) {
			in[k] = sc[k]
		}
	}
	if n, ok := sc.Float(signal.AnomalyIterations); ok {
		in[signal.AnomalyIterations] = n
	}
	body, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode agent input: %w", err)
	}

	var b strings.Builder
	b.WriteString("Case input:\n\n```json\n")
	b.Write(body)
	b.WriteString("\n```\n\n")
	if len(s.outputs) > 0 {
		fmt.Fprintf(&b, "Answer with a single JSON object containing the keys: %s.\n", strings.Join(s.outputs, ", "))
	}
	return b.String(), nil
}

// parseObject extracts the JSON object from an agent answer, tolerating
// surrounding prose and Markdown fences.
func parseObject(out string) (map[string]any, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return nil, errNoJSONObject
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(out[start : end+1])))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode agent output: %w", err)
	}
	return obj, nil
}

func recordAgentRun(sc signal.Context, rr *agent.RunResult) {
	runs, _ := sc[AgentRuns].([]*agent.RunResult)
	sc[AgentRuns] = append(runs, rr)
}
