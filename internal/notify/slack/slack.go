// Package slack sends escalation notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

const (
	maxSummaryLen = 3000
	maxSignals    = 10
	httpTimeout   = 10 * time.Second
)

// Notifier posts escalations to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ tools.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts an escalation to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, e *tools.Escalation) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(e))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack escalation sent", "case_id", e.CaseID, "risk", e.Risk)
	return nil
}

func buildMessage(e *tools.Escalation) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s risk escalation for batch %s", e.Risk, e.BatchID),
		"blocks": []map[string]any{
			headerBlock(e),
			{"type": "divider"},
			fieldsBlock(e),
			{"type": "divider"},
			summaryBlock(e),
			{"type": "divider"},
			contextBlock(e),
		},
	}
}

func headerBlock(e *tools.Escalation) map[string]any {
	text := fmt.Sprintf("%s Invoice Escalation: %s", riskEmoji(e.Risk), e.BatchID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(e *tools.Escalation) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Risk:* %s", e.Risk),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Anomaly score:* %.2f", e.Score),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Invoices:* %d", e.InvoiceCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Total:* %s", orDash(e.Total)),
		},
	}
	if e.ReportPath != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Report:* `%s`", e.ReportPath),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(e *tools.Escalation) map[string]any {
	var b strings.Builder
	b.WriteString("*Summary*\n\n")
	if e.Summary != "" {
		b.WriteString(e.Summary)
	} else {
		b.WriteString("_No summary available._")
	}
	if len(e.Signals) > 0 {
		b.WriteString("\n\n*Signals*\n")
		for i, s := range e.Signals {
			if i == maxSignals {
				fmt.Fprintf(&b, "• _and %d more_\n", len(e.Signals)-maxSignals)
				break
			}
			fmt.Fprintf(&b, "• `%s`\n", s)
		}
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(strings.TrimRight(b.String(), "\n"), maxSummaryLen),
		},
	}
}

func contextBlock(e *tools.Escalation) map[string]any {
	ts := e.At
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("invoiceshield • case %s • %s • %s", orDash(e.CaseID), e.Message, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func riskEmoji(risk string) string {
	switch strings.ToUpper(risk) {
	case "CRITICAL":
		return "\U0001f534" // red circle
	case "HIGH":
		return "\U0001f7e0" // orange circle
	case "MEDIUM":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
