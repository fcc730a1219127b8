package agent

import (
	"context"
	"encoding/json"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest is the input to the LLM provider: the conversation so far and the tools the agent may call.
type LLMRequest struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []tools.ToolDef
}

// LLMResponse is the output from the LLM provider.
type LLMResponse struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// StopReason indicates why the LLM stopped generating.
type StopReason string

const (
	StopEnd       StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Message is a single message in the conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
