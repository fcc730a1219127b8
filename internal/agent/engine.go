package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

const (
	MaxToolRounds  = 15
	MaxTokens      = 100000
	ResponseTokens = 4096

	// maxSpanBody caps request and result bodies attached to span events.
	maxSpanBody = 4096
)

const tracerName = "github.com/linnemanlabs/invoiceshield/internal/agent"

// Spec describes one agent: which model it runs on, its instruction and the
// tools it may call. Zero budgets fall back to the package defaults.
type Spec struct {
	Name          string   `json:"name" yaml:"name"`
	Model         string   `json:"model,omitempty" yaml:"model,omitempty"`
	Instruction   string   `json:"instruction" yaml:"instruction"`
	Tools         []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	MaxToolRounds int      `json:"max_tool_rounds,omitempty" yaml:"max_tool_rounds,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Status is the final state of an agent run.
type Status string

const (
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Budget names reported in RunResult.Exhausted.
const (
	BudgetToolCalls = "tool_calls"
	BudgetTokens    = "tokens"
)

// RunResult is the outcome of a single agent run.
type RunResult struct {
	Agent            string        `json:"agent"`
	Status           Status        `json:"status"`
	Output           string        `json:"output"`
	Exhausted        string        `json:"exhausted,omitempty"`
	Model            string        `json:"model,omitempty"`
	SystemPrompt     string        `json:"-"`
	Conversation     *Conversation `json:"conversation,omitempty"`
	Duration         float64       `json:"duration_seconds"`
	LLMTime          float64       `json:"llm_time_seconds"`
	ToolTime         float64       `json:"tool_time_seconds"`
	InputTokensUsed  int           `json:"input_tokens_used"`
	OutputTokensUsed int           `json:"output_tokens_used"`
	ToolCalls        int           `json:"tool_calls"`
	ToolsUsed        []string      `json:"tools_used,omitempty"`
}

// CompleteEvent summarizes a finished run for EngineHooks.OnComplete.
type CompleteEvent struct {
	Agent     string
	Status    Status
	Model     string
	Duration  float64
	LLMTime   float64
	ToolTime  float64
	TokensIn  int
	TokensOut int
	ToolCalls int
}

// EngineHooks are optional callbacks for metrics. Nil fields are skipped.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(e *CompleteEvent)
}

// Engine runs agents: it drives the conversation with the LLM provider and
// executes the tool calls the model asks for until the model ends its turn or
// a budget is exhausted.
type Engine struct {
	provider Provider
	registry *tools.Registry
	logger   log.Logger
	hooks    EngineHooks
	tracer   trace.Tracer
}

// NewEngine creates an agent engine over provider and the shared tool registry.
func NewEngine(provider Provider, registry *tools.Registry, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider: provider,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		tracer:   otel.Tracer(tracerName),
	}
}

// Run executes spec against prompt. observe may be nil.
func (e *Engine) Run(ctx context.Context, spec Spec, prompt string, observe TurnObserver) *RunResult {
	start := time.Now()
	rr := &RunResult{
		Agent:        spec.Name,
		Status:       StatusComplete,
		Model:        spec.Model,
		SystemPrompt: buildSystemPrompt(spec),
		Conversation: &Conversation{},
	}

	L := e.logger.With("agent", spec.Name)

	defer func() {
		rr.Duration = time.Since(start).Seconds()
		if e.hooks.OnComplete != nil {
			e.hooks.OnComplete(&CompleteEvent{
				Agent:     rr.Agent,
				Status:    rr.Status,
				Model:     rr.Model,
				Duration:  rr.Duration,
				LLMTime:   rr.LLMTime,
				ToolTime:  rr.ToolTime,
				TokensIn:  rr.InputTokensUsed,
				TokensOut: rr.OutputTokensUsed,
				ToolCalls: rr.ToolCalls,
			})
		}
	}()

	registry, missing := e.registry.Subset(spec.Tools...)
	if len(missing) > 0 {
		rr.Status = StatusFailed
		rr.Output = fmt.Sprintf("unknown tools: %s", strings.Join(missing, ", "))
		L.Warn(ctx, "agent references unknown tools", "missing", missing)
		return rr
	}

	maxRounds := spec.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = MaxToolRounds
	}
	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = MaxTokens
	}

	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: prompt}}},
	}
	toolDefs := registry.ToToolDefs()
	seq := 0
	chatSeq := 0

	record := func(turn Turn) {
		rr.Conversation.Turns = append(rr.Conversation.Turns, turn)
		if observe != nil {
			if err := observe(ctx, seq, &rr.Conversation.Turns[len(rr.Conversation.Turns)-1]); err != nil {
				L.Warn(ctx, "turn observer failed", "seq", seq, "error", err)
			}
		}
		seq++
	}

	for {
		if rr.ToolCalls >= maxRounds {
			L.Warn(ctx, "agent hit tool call limit", "limit", maxRounds)
			rr.Output = "Agent terminated: tool call budget exhausted"
			rr.Exhausted = BudgetToolCalls
			break
		}
		if rr.InputTokensUsed+rr.OutputTokensUsed >= maxTokens {
			L.Warn(ctx, "agent hit token limit", "limit", maxTokens)
			rr.Output = "Agent terminated: token budget exhausted"
			rr.Exhausted = BudgetTokens
			break
		}

		req := &LLMRequest{
			Model:     spec.Model,
			MaxTokens: ResponseTokens,
			System:    rr.SystemPrompt,
			Messages:  messages,
			Tools:     toolDefs,
		}
		resp, llmDur, err := e.callLLM(ctx, spec, chatSeq, req)
		chatSeq++
		rr.LLMTime += llmDur
		if err != nil {
			L.Error(ctx, err, "llm call failed")
			rr.Status = StatusFailed
			rr.Output = fmt.Sprintf("LLM error: %v", err)
			return rr
		}

		rr.InputTokensUsed += resp.Usage.InputTokens
		rr.OutputTokensUsed += resp.Usage.OutputTokens
		if resp.Model != "" {
			rr.Model = resp.Model
		}
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, llmDur)
		}

		L.Info(ctx, "llm response",
			"stop_reason", resp.StopReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"total_tokens", rr.InputTokensUsed+rr.OutputTokensUsed,
		)

		usage := resp.Usage
		record(Turn{
			Role:       "assistant",
			Content:    resp.Content,
			Timestamp:  time.Now().UTC(),
			Usage:      &usage,
			StopReason: string(resp.StopReason),
			Duration:   llmDur,
			Model:      resp.Model,
		})
		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		if resp.StopReason != StopToolUse {
			rr.Output = lastText(resp.Content)
			break
		}

		var toolResults []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			rr.ToolCalls++
			if !slices.Contains(rr.ToolsUsed, block.Name) {
				rr.ToolsUsed = append(rr.ToolsUsed, block.Name)
			}
			L.Info(ctx, "executing tool", "tool", block.Name, "call_number", rr.ToolCalls)

			result, dur := e.executeTool(ctx, spec, registry, block)
			rr.ToolTime += dur
			toolResults = append(toolResults, result)
		}

		record(Turn{
			Role:      "user",
			Content:   toolResults,
			Timestamp: time.Now().UTC(),
		})
		messages = append(messages, Message{Role: "user", Content: toolResults})
	}

	L.Info(ctx, "agent complete",
		"duration", time.Since(start).Seconds(),
		"input_tokens", rr.InputTokensUsed,
		"output_tokens", rr.OutputTokensUsed,
		"tool_calls", rr.ToolCalls,
	)
	return rr
}

func (e *Engine) callLLM(ctx context.Context, spec Spec, chatSeq int, req *LLMRequest) (*LLMResponse, float64, error) {
	ctx, span := e.tracer.Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "llm.call"),
			attribute.String("gen_ai.request.model", req.Model),
			attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
			attribute.String("invoiceshield.agent.name", spec.Name),
			attribute.Int("invoiceshield.chat.seq", chatSeq),
		),
	)
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	))

	start := time.Now()
	resp, err := e.provider.Send(ctx, req)
	dur := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, dur, err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.Int("llm.response.blocks", len(resp.Content)),
	))
	return resp, dur, nil
}

func (e *Engine) executeTool(ctx context.Context, spec Spec, registry *tools.Registry, block ContentBlock) (ContentBlock, float64) {
	input := string(block.Input)
	ctx, span := e.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "tool.execute"),
			attribute.String("gen_ai.tool.name", block.Name),
			attribute.String("gen_ai.tool.call.id", block.ID),
			attribute.String("invoiceshield.agent.name", spec.Name),
			attribute.String("invoiceshield.tool.input", truncate(input, maxSpanBody)),
		),
	)
	defer span.End()

	span.AddEvent("tool.request", trace.WithAttributes(
		attribute.String("tool.request.body", truncate(input, maxSpanBody)),
	))

	start := time.Now()
	result := ContentBlock{Type: "tool_result", ToolUseID: block.ID}

	tool, ok := registry.Get(block.Name)
	if !ok {
		result.Content = fmt.Sprintf("unknown tool: %s", block.Name)
		result.IsError = true
	} else if output, err := tool.Execute(ctx, block.Input); err != nil {
		e.logger.Error(ctx, err, "tool execution failed", "agent", spec.Name, "tool", block.Name)
		result.Content = fmt.Sprintf("tool error: %v", err)
		result.IsError = true
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		result.Content = string(output)
	}

	dur := time.Since(start).Seconds()
	span.SetAttributes(attribute.Bool("invoiceshield.tool.is_error", result.IsError))
	span.AddEvent("tool.result", trace.WithAttributes(
		attribute.String("tool.result.body", truncate(result.Content, maxSpanBody)),
	))

	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(block.Name, dur, len(block.Input), len(result.Content), result.IsError)
	}
	return result, dur
}

func lastText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out = b.Text
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// buildSystemPrompt frames the agent's instruction for the invoice review setting.
func buildSystemPrompt(spec Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent of InvoiceShield, an accounts payable fraud review system.\n", spec.Name)
	b.WriteString("You work on one batch of invoices and payments at a time. Use the available tools to gather evidence; do not guess values a tool can look up.\n\n")
	b.WriteString(strings.TrimSpace(spec.Instruction))
	b.WriteString("\n\nBe concise and factual. Your output is read by other stages and by finance reviewers.")
	return b.String()
}
