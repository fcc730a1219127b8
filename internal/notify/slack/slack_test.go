package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

func sampleEscalation() *tools.Escalation {
	return &tools.Escalation{
		CaseID:       "01JN123",
		BatchID:      "B-2026-03",
		Score:        0.95,
		Risk:         "CRITICAL",
		Message:      "Validated",
		Signals:      []string{"duplicate_invoice_number", "watchlist_hit"},
		Summary:      "CRITICAL risk: 2 invoice(s) totalling 10000.00 USD",
		InvoiceCount: 2,
		Total:        "10000.00 USD",
		ReportPath:   "/var/lib/invoiceshield/reports/01JN123.md",
		At:           time.Date(2026, 3, 2, 14, 23, 0, 0, time.UTC),
	}
}

func blockText(t *testing.T, block any) string {
	t.Helper()
	m, ok := block.(map[string]any)
	if !ok {
		t.Fatalf("block is %T, want object", block)
	}
	text, ok := m["text"].(map[string]any)
	if !ok {
		t.Fatalf("block %v has no text object", m["type"])
	}
	return text["text"].(string)
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), sampleEscalation()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, summary, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	headerText := blockText(t, blocks[0])
	if !strings.Contains(headerText, "B-2026-03") {
		t.Errorf("header text = %q, want to contain batch ID", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for CRITICAL risk")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	if len(fields) != 5 {
		t.Errorf("fields = %d, want 5 (report path included)", len(fields))
	}

	summary := blockText(t, blocks[4])
	for _, want := range []string{"10000.00 USD", "`watchlist_hit`"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	ctxText := blocks[6].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if want := "invoiceshield • case 01JN123 • Validated • 2026-03-02 14:23 UTC"; ctxText != want {
		t.Errorf("context = %q, want %q", ctxText, want)
	}

	if fallback, _ := got["text"].(string); !strings.Contains(fallback, "CRITICAL") {
		t.Errorf("fallback text = %q", fallback)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), &tools.Escalation{}); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_TruncatesLongSummary(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := sampleEscalation()
	e.Summary = strings.Repeat("x", 4000)
	if err := New(srv.URL, log.Nop()).Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	text := blockText(t, got["blocks"].([]any)[4])
	if len(text) > maxSummaryLen {
		t.Errorf("summary text length = %d, expected <= %d", len(text), maxSummaryLen)
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated summary to end with ...")
	}
}

func TestSummaryBlock_CapsSignals(t *testing.T) {
	t.Parallel()

	e := &tools.Escalation{}
	for i := range maxSignals + 3 {
		e.Signals = append(e.Signals, fmt.Sprintf("signal_%d", i))
	}

	text := summaryBlock(e)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "_No summary available._") {
		t.Error("expected placeholder for empty summary")
	}
	if strings.Contains(text, fmt.Sprintf("signal_%d", maxSignals)) {
		t.Error("signals beyond the cap should not be listed")
	}
	if !strings.Contains(text, "_and 3 more_") {
		t.Errorf("expected overflow note, got:\n%s", text)
	}
}

func TestFieldsBlock_NoReportPath(t *testing.T) {
	t.Parallel()

	fields := fieldsBlock(&tools.Escalation{Risk: "LOW"})["fields"].([]map[string]any)
	if len(fields) != 4 {
		t.Fatalf("fields = %d, want 4", len(fields))
	}
	if got := fields[3]["text"]; got != "*Total:* -" {
		t.Errorf("total field = %q, want dash for missing total", got)
	}
}

func TestRiskEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		risk string
		want string
	}{
		{"CRITICAL", "\U0001f534"},
		{"critical", "\U0001f534"},
		{"HIGH", "\U0001f7e0"},
		{"MEDIUM", "\U0001f7e1"},
		{"LOW", "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.risk, func(t *testing.T) {
			t.Parallel()
			if got := riskEmoji(tt.risk); got != tt.want {
				t.Errorf("riskEmoji(%q) = %q, want %q", tt.risk, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("B-1", "CRITICAL", "duplicate invoice", "dup")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "HIGH", "*bold* _italic_ ~strike~", "s")
	f.Add("batch\x00\x01\x02", "risk\nline", "summary\ttab", "sig\x00nal")
	f.Add(strings.Repeat("A", 5000), "CRITICAL", strings.Repeat("•", 4000), "x")
	f.Add("test", "LOW", "```code block``` and <http://example.com|link>", "y")

	f.Fuzz(func(t *testing.T, batch, risk, summary, sig string) {
		e := &tools.Escalation{
			CaseID:       "fuzz-id",
			BatchID:      batch,
			Risk:         risk,
			Summary:      summary,
			Signals:      []string{sig},
			Score:        0.8,
			InvoiceCount: 1,
			At:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(e)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, log.Nop()).Notify(context.Background(), sampleEscalation())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestNotify_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(srv.URL, log.Nop()).Notify(ctx, sampleEscalation()); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
