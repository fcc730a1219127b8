package review

import (
	"time"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// Status tracks where a case is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means the pipeline is running
	StatusInProgress Status = "in_progress"

	// StatusComplete means the pipeline finished
	StatusComplete Status = "complete"

	// StatusFailed means a stage failed
	StatusFailed Status = "failed"
)

// Active reports whether the case has not finished yet.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Submission is a request to review an invoice batch. Signals seed the case
// context; invoices and payments may be supplied inline under their usual
// keys instead of being loaded from the invoice source.
type Submission struct {
	BatchID string         `json:"batch_id"`
	Vendor  string         `json:"vendor,omitempty"`
	Signals signal.Context `json:"signals,omitempty"`
}

// AgentUsage summarizes one agent run inside a case.
type AgentUsage struct {
	Agent     string   `json:"agent"`
	Status    string   `json:"status"`
	Model     string   `json:"model,omitempty"`
	Duration  float64  `json:"duration_seconds"`
	TokensIn  int      `json:"tokens_input"`
	TokensOut int      `json:"tokens_output"`
	ToolCalls int      `json:"tool_calls"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Case is the outcome of reviewing one invoice batch.
type Case struct {
	ID           string              `json:"id"`
	Fingerprint  string              `json:"fingerprint"`
	BatchID      string              `json:"batch_id"`
	Vendor       string              `json:"vendor,omitempty"`
	Status       Status              `json:"status"`
	InvoiceCount int                 `json:"invoice_count"`
	Score        float64             `json:"anomaly_score"`
	Signals      []string            `json:"anomaly_signals,omitempty"`
	Iterations   int                 `json:"anomaly_iterations,omitempty"`
	Escalated    bool                `json:"escalated"`
	Decision     *gate.Decision      `json:"decision,omitempty"`
	Risk         string              `json:"risk,omitempty"`
	Report       string              `json:"report,omitempty"`
	ReportPath   string              `json:"report_path,omitempty"`
	Notified     bool                `json:"notified"`
	Stages       []pipeline.StageRun `json:"stages,omitempty"`
	Agents       []AgentUsage        `json:"agents,omitempty"`
	TokensUsed   int                 `json:"tokens_used,omitempty"`
	ToolCalls    int                 `json:"tool_calls,omitempty"`
	Error        string              `json:"error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	CompletedAt  time.Time           `json:"completed_at,omitzero"`
	Duration     float64             `json:"duration_seconds,omitempty"`
}
