// Package signal defines the case context passed between pipeline stages.
package signal

import (
	"encoding/json"
	"maps"
	"math"

	"github.com/shopspring/decimal"
)

// Well-known context keys written and read by the built-in stages.
const (
	CaseID            = "case_id"
	BatchID           = "batch_id"
	Invoices          = "invoices"
	Payments          = "payments"
	Rejected          = "rejected"
	Research          = "research"
	AnomalyScore      = "anomaly_score"
	AnomalySignals    = "anomaly_signals"
	AnomalyIterations = "anomaly_iterations"
	Escalation        = "escalation"
	Reconciliation    = "reconciliation"
	Report            = "report"
	ReportPath        = "report_path"
	Notified          = "notified"
)

// Context is the evolving bag of signals for a single case under review.
type Context map[string]any

// Has reports whether key is present.
func (c Context) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Float returns the value under key as a float64. ok is false when the key is
// missing or holds something that is not a number (NaN included).
func (c Context) Float(key string) (float64, bool) {
	v, present := c[key]
	if !present {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// FloatOr is Float with a fallback for missing or non-numeric values.
func (c Context) FloatOr(key string, def float64) float64 {
	if f, ok := c.Float(key); ok {
		return f
	}
	return def
}

// String returns the value under key if it is a string.
func (c Context) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Clone returns a shallow copy.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	return maps.Clone(c)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	default:
		return 0, false
	}
}
