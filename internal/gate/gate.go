// Package gate decides whether an anomaly score is strong enough to escalate
// a case for follow-up review.
package gate

import "github.com/linnemanlabs/invoiceshield/internal/signal"

// DefaultThreshold is the score at or above which a case escalates.
const DefaultThreshold = 0.75

// ValidatedMessage is the message carried by every escalating decision.
const ValidatedMessage = "Validated"

// Decision is the escalation signal emitted by the gate.
type Decision struct {
	Escalate bool   `json:"escalate"`
	Message  string `json:"message"`
}

// Gate compares the anomaly_score of a case context against a fixed threshold.
// It holds no mutable state and is safe for concurrent use.
type Gate struct {
	threshold float64
}

// New returns a Gate with the given threshold.
func New(threshold float64) *Gate {
	return &Gate{threshold: threshold}
}

// Threshold returns the configured threshold.
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// Evaluate reads anomaly_score from c (0.0 when missing or not a number) and
// returns an escalating decision when score >= threshold. The second return
// is false when there is nothing to escalate. c is never modified.
func (g *Gate) Evaluate(c signal.Context) (Decision, bool) {
	score := c.FloatOr(signal.AnomalyScore, 0.0)
	if score >= g.threshold {
		return Decision{Escalate: true, Message: ValidatedMessage}, true
	}
	return Decision{}, false
}
