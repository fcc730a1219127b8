// Package stages implements the review pipeline's built-in stage kinds on top
// of the capability interfaces in package tools.
package stages

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/agent"
	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// Stage kinds.
const (
	KindNormalize   = "normalize"
	KindResearch    = "research"
	KindScore       = "score"
	KindReconcile   = "reconcile"
	KindInvestigate = "investigate"
	KindNotify      = "notify"
	KindAgent       = "agent"
)

// DefaultEnrichConcurrency bounds parallel bank lookups during ingest.
const DefaultEnrichConcurrency = 4

// Deps are the capabilities stages are built from. Nil capabilities disable
// the stages or steps that need them.
type Deps struct {
	Source    tools.InvoiceSource
	Bank      tools.PaymentLookup
	Watchlist tools.VendorWatchlist
	Search    tools.WebSearch
	Reports   tools.ReportSink
	Notifier  tools.Notifier

	Agents     *agent.Engine
	AgentSpecs agent.Specs

	Logger            log.Logger
	EnrichConcurrency int
	Now               func() time.Time
}

// Factory builds stages for pipeline.Build.
type Factory struct {
	deps Deps
}

var _ pipeline.Factory = (*Factory)(nil)

// NewFactory returns a stage factory over deps.
func NewFactory(deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.EnrichConcurrency <= 0 {
		deps.EnrichConcurrency = DefaultEnrichConcurrency
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Factory{deps: deps}
}

// Kinds returns the stage kinds the factory can build.
func Kinds() []string {
	return []string{KindNormalize, KindResearch, KindScore, KindReconcile, KindInvestigate, KindNotify, KindAgent}
}

// New implements pipeline.Factory.
func (f *Factory) New(spec pipeline.StageSpec) (pipeline.Stage, error) {
	d := f.deps
	L := d.Logger.With("stage", spec.Name, "kind", spec.Kind)

	switch spec.Kind {
	case KindNormalize:
		return &normalizeStage{name: spec.Name, source: d.Source, bank: d.Bank, limit: d.EnrichConcurrency, logger: L}, nil
	case KindResearch:
		return &researchStage{name: spec.Name, watchlist: d.Watchlist, search: d.Search, logger: L}, nil
	case KindScore:
		return &scoreStage{name: spec.Name}, nil
	case KindReconcile:
		return &reconcileStage{name: spec.Name}, nil
	case KindInvestigate:
		return &investigateStage{name: spec.Name, sink: d.Reports, now: d.Now, logger: L}, nil
	case KindNotify:
		if d.Notifier == nil {
			return nil, fmt.Errorf("stage %q: no notifier configured", spec.Name)
		}
		return &notifyStage{name: spec.Name, notifier: d.Notifier, now: d.Now}, nil
	case KindAgent:
		return f.newAgentStage(spec, L)
	default:
		return nil, fmt.Errorf("unknown stage kind %q", spec.Kind)
	}
}

func (f *Factory) newAgentStage(spec pipeline.StageSpec, logger log.Logger) (pipeline.Stage, error) {
	if f.deps.Agents == nil {
		return nil, fmt.Errorf("stage %q: no agent engine configured", spec.Name)
	}
	name := spec.Agent
	if name == "" {
		name = spec.Name
	}
	as, ok := f.deps.AgentSpecs[name]
	if !ok {
		return nil, fmt.Errorf("stage %q: unknown agent %q", spec.Name, name)
	}
	return &agentStage{
		name:    spec.Name,
		spec:    as,
		inputs:  spec.Inputs,
		outputs: spec.Outputs,
		engine:  f.deps.Agents,
		logger:  logger,
	}, nil
}

func loadInvoices(sc signal.Context) ([]invoice.Invoice, error) {
	invs, err := invoice.InvoicesFrom(sc[signal.Invoices])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", signal.Invoices, err)
	}
	return invs, nil
}

func loadPayments(sc signal.Context) ([]invoice.Payment, error) {
	pays, err := invoice.PaymentsFrom(sc[signal.Payments])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", signal.Payments, err)
	}
	return pays, nil
}
