// Package claude implements agent.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/invoiceshield/internal/agent"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

const (
	DefaultModel      = "claude-sonnet-4-20250514"
	DefaultMaxRetries = 2
)

// Config holds the Claude client settings.
type Config struct {
	APIKey     string
	Model      string
	MaxRetries int
	Timeout    time.Duration
	BaseURL    string
}

// Client implements agent.Provider for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a Claude client. Retries with backoff on transient API errors
// are handled by the SDK.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		sdk:   anthropic.NewClient(opts...),
		model: cfg.Model,
	}
}

// Model returns the default model used when a request does not name one.
func (c *Client) Model() string { return c.model }

// Send sends a request to the Claude API and returns the response.
func (c *Client) Send(ctx context.Context, req *agent.LLMRequest) (*agent.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
		Tools:     toSDKTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []agent.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case "tool_use":
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case "tool_result":
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toSDKTools(defs []tools.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		// a tool with an unparsable schema is still offered, with no properties
		_ = json.Unmarshal(d.InputSchema, &schema)

		u := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		}, d.Name)
		if d.Description != "" {
			u.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, u)
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *agent.LLMResponse {
	out := &agent.LLMResponse{
		Content:    make([]agent.ContentBlock, 0, len(msg.Content)),
		StopReason: agent.StopReason(msg.StopReason),
		Usage: agent.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Model: string(msg.Model),
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, agent.ContentBlock{Type: "text", Text: b.Text})
		case "tool_use":
			out.Content = append(out.Content, agent.ContentBlock{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
	return out
}
