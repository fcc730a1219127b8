// Package notify fans escalations out to every configured channel.
package notify

import (
	"context"
	"errors"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// Multi delivers an escalation to each notifier in turn. Every notifier is
// attempted; failures are joined.
type Multi []tools.Notifier

var _ tools.Notifier = Multi(nil)

// NewMulti drops nil entries. It returns nil when nothing remains so callers
// can leave the notify stage unconfigured.
func NewMulti(ns ...tools.Notifier) tools.Notifier {
	var m Multi
	for _, n := range ns {
		if n != nil {
			m = append(m, n)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

// Notify implements tools.Notifier.
func (m Multi) Notify(ctx context.Context, e *tools.Escalation) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records escalations in the service log. It is the fallback when no
// delivery channel is configured.
type Log struct {
	logger log.Logger
}

// NewLog returns a Log notifier.
func NewLog(logger log.Logger) *Log {
	if logger == nil {
		logger = log.Nop()
	}
	return &Log{logger: logger}
}

// Notify implements tools.Notifier.
func (l *Log) Notify(ctx context.Context, e *tools.Escalation) error {
	l.logger.Warn(ctx, "invoice batch escalated",
		"case_id", e.CaseID,
		"batch_id", e.BatchID,
		"risk", e.Risk,
		"anomaly_score", e.Score,
		"signals", e.Signals,
		"report_path", e.ReportPath,
	)
	return nil
}
