package agent

import (
	"context"
	"time"
)

// Turn is one message exchanged during an agent run, with timing and usage
// for assistant turns.
type Turn struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Usage      *Usage         `json:"usage,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Duration   float64        `json:"duration_seconds,omitempty"`
	Model      string         `json:"model,omitempty"`
}

// Conversation is the ordered record of an agent run. The initial user prompt
// is not included.
type Conversation struct {
	Turns []Turn `json:"turns"`
}

// TurnObserver is called after every turn is recorded. Errors are logged and
// do not abort the run.
type TurnObserver func(ctx context.Context, seq int, turn *Turn) error
