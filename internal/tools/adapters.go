package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tool names exposed to agents.
const (
	NameDBConnector      = "db_connector"
	NameBankAPI          = "bank_api_tool"
	NameVendorWatchlist  = "vendor_watchlist"
	NameSaveReport       = "save_report_to_file"
	NameSendNotification = "send_notification"
	NameWebSearch        = "web_search"
)

const (
	maxToolRecords    = 100
	defaultBankWindow = 90 * 24 * time.Hour
)

// DBConnector exposes an InvoiceSource to agents.
type DBConnector struct {
	src InvoiceSource
}

func NewDBConnector(src InvoiceSource) *DBConnector { return &DBConnector{src: src} }

func (d *DBConnector) Name() string { return NameDBConnector }

func (d *DBConnector) Description() string {
	return `Load the invoices and/or payments of a batch from the finance database.
Use kind "invoices" or "payments" to fetch one side, or omit it for both.`
}

func (d *DBConnector) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "batch_id": {
                "type": "string",
                "description": "Batch identifier"
            },
            "kind": {
                "type": "string",
                "enum": ["invoices", "payments"],
                "description": "Which records to load. Omit for both."
            }
        },
        "required": ["batch_id"]
    }`)
}

func (d *DBConnector) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		BatchID string `json:"batch_id"`
		Kind    string `json:"kind,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.BatchID == "" {
		return nil, fmt.Errorf("batch_id is required")
	}

	output := map[string]any{"batch_id": input.BatchID}

	switch input.Kind {
	case "", "invoices", "payments":
	default:
		return nil, fmt.Errorf("unknown kind %q", input.Kind)
	}

	if input.Kind == "" || input.Kind == "invoices" {
		invs, err := d.src.ListInvoices(ctx, input.BatchID)
		if err != nil {
			return nil, fmt.Errorf("list invoices: %w", err)
		}
		output["invoice_count"] = len(invs)
		output["invoices_truncated"] = len(invs) > maxToolRecords
		output["invoices"] = invs[:min(len(invs), maxToolRecords)]
	}
	if input.Kind == "" || input.Kind == "payments" {
		pays, err := d.src.ListPayments(ctx, input.BatchID)
		if err != nil {
			return nil, fmt.Errorf("list payments: %w", err)
		}
		output["payment_count"] = len(pays)
		output["payments_truncated"] = len(pays) > maxToolRecords
		output["payments"] = pays[:min(len(pays), maxToolRecords)]
	}

	return json.Marshal(output)
}

// BankAPITool exposes a PaymentLookup to agents.
type BankAPITool struct {
	lookup PaymentLookup
	now    func() time.Time
}

func NewBankAPITool(lookup PaymentLookup) *BankAPITool {
	return &BankAPITool{lookup: lookup, now: time.Now}
}

func (b *BankAPITool) Name() string { return NameBankAPI }

func (b *BankAPITool) Description() string {
	return `Query the bank ledger for payments made to a vendor. Use this to confirm whether
an invoice was paid, paid twice, or paid to an unexpected account. Defaults to the last 90 days.`
}

func (b *BankAPITool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "vendor_id": {
                "type": "string",
                "description": "Vendor identifier"
            },
            "since": {
                "type": "string",
                "description": "Start of the window (RFC3339). Omit for the last 90 days."
            }
        },
        "required": ["vendor_id"]
    }`)
}

func (b *BankAPITool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		VendorID string `json:"vendor_id"`
		Since    string `json:"since,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.VendorID == "" {
		return nil, fmt.Errorf("vendor_id is required")
	}

	since := b.now().Add(-defaultBankWindow)
	if input.Since != "" {
		t, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since %q: %w", input.Since, err)
		}
		since = t
	}

	pays, err := b.lookup.PaymentsForVendor(ctx, input.VendorID, since)
	if err != nil {
		return nil, fmt.Errorf("bank lookup: %w", err)
	}

	return json.Marshal(map[string]any{
		"vendor_id":     input.VendorID,
		"since":         since.UTC().Format(time.RFC3339),
		"payment_count": len(pays),
		"truncated":     len(pays) > maxToolRecords,
		"payments":      pays[:min(len(pays), maxToolRecords)],
	})
}

// WatchlistTool exposes a VendorWatchlist to agents.
type WatchlistTool struct {
	list VendorWatchlist
}

func NewWatchlistTool(list VendorWatchlist) *WatchlistTool { return &WatchlistTool{list: list} }

func (w *WatchlistTool) Name() string { return NameVendorWatchlist }

func (w *WatchlistTool) Description() string {
	return `Check a vendor against sanctions and internal fraud watchlists by id and/or name.`
}

func (w *WatchlistTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "vendor_id": {
                "type": "string",
                "description": "Vendor identifier"
            },
            "vendor_name": {
                "type": "string",
                "description": "Vendor display name"
            }
        }
    }`)
}

func (w *WatchlistTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		VendorID   string `json:"vendor_id,omitempty"`
		VendorName string `json:"vendor_name,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.VendorID == "" && input.VendorName == "" {
		return nil, fmt.Errorf("vendor_id or vendor_name is required")
	}

	hits, err := w.list.Lookup(ctx, input.VendorID, input.VendorName)
	if err != nil {
		return nil, fmt.Errorf("watchlist lookup: %w", err)
	}
	if hits == nil {
		hits = []WatchlistHit{}
	}

	return json.Marshal(map[string]any{
		"flagged": len(hits) > 0,
		"hits":    hits,
	})
}

// SaveReportTool exposes a ReportSink to agents.
type SaveReportTool struct {
	sink ReportSink
}

func NewSaveReportTool(sink ReportSink) *SaveReportTool { return &SaveReportTool{sink: sink} }

func (s *SaveReportTool) Name() string { return NameSaveReport }

func (s *SaveReportTool) Description() string {
	return `Save a Markdown investigation report. Returns the location it was written to.`
}

func (s *SaveReportTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "name": {
                "type": "string",
                "description": "Report name, usually the case id"
            },
            "markdown": {
                "type": "string",
                "description": "Report body in Markdown"
            }
        },
        "required": ["name", "markdown"]
    }`)
}

func (s *SaveReportTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Name     string `json:"name"`
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Name == "" || strings.TrimSpace(input.Markdown) == "" {
		return nil, fmt.Errorf("name and markdown are required")
	}

	loc, err := s.sink.Save(ctx, input.Name, []byte(input.Markdown))
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	return json.Marshal(map[string]any{"saved": true, "location": loc})
}

// SendNotificationTool exposes a Notifier to agents.
type SendNotificationTool struct {
	notifier Notifier
	now      func() time.Time
}

func NewSendNotificationTool(n Notifier) *SendNotificationTool {
	return &SendNotificationTool{notifier: n, now: time.Now}
}

func (s *SendNotificationTool) Name() string { return NameSendNotification }

func (s *SendNotificationTool) Description() string {
	return `Alert the finance review team about an escalated case.`
}

func (s *SendNotificationTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "case_id": {"type": "string"},
            "batch_id": {"type": "string"},
            "message": {
                "type": "string",
                "description": "Short summary for reviewers"
            },
            "anomaly_score": {"type": "number"},
            "risk": {
                "type": "string",
                "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]
            },
            "report_path": {"type": "string"}
        },
        "required": ["case_id", "message"]
    }`)
}

func (s *SendNotificationTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		CaseID     string  `json:"case_id"`
		BatchID    string  `json:"batch_id,omitempty"`
		Message    string  `json:"message"`
		Score      float64 `json:"anomaly_score,omitempty"`
		Risk       string  `json:"risk,omitempty"`
		ReportPath string  `json:"report_path,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.CaseID == "" || input.Message == "" {
		return nil, fmt.Errorf("case_id and message are required")
	}

	e := &Escalation{
		CaseID:     input.CaseID,
		BatchID:    input.BatchID,
		Score:      input.Score,
		Risk:       input.Risk,
		Message:    input.Message,
		ReportPath: input.ReportPath,
		At:         s.now().UTC(),
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	return json.Marshal(map[string]any{"sent": true})
}

// WebSearchTool exposes a WebSearch to agents.
type WebSearchTool struct {
	search WebSearch
}

func NewWebSearchTool(s WebSearch) *WebSearchTool { return &WebSearchTool{search: s} }

func (w *WebSearchTool) Name() string { return NameWebSearch }

func (w *WebSearchTool) Description() string {
	return `Search the web for recent invoice and payment fraud patterns, vendor news, or scam reports.`
}

func (w *WebSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string"},
            "limit": {
                "type": "integer",
                "description": "Max results (default 5, max 20)"
            }
        },
        "required": ["query"]
    }`)
}

func (w *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := w.search.Search(ctx, input.Query, input.Limit)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return json.Marshal(map[string]any{
		"query":   input.Query,
		"count":   len(results),
		"results": results,
	})
}
