package stages

import (
	"context"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// AnomalyAssessment is the context key holding the full invoice.Assessment of
// the latest scoring pass.
const AnomalyAssessment = "anomaly_assessment"

// scoreStage scores the batch heuristically. Inside an anomaly loop the
// iteration number selects the scoring depth, so each pass looks further.
type scoreStage struct {
	name string
}

func (s *scoreStage) Name() string { return s.name }

func (s *scoreStage) Run(_ context.Context, sc signal.Context) error {
	invs, err := loadInvoices(sc)
	if err != nil {
		return err
	}
	pays, err := loadPayments(sc)
	if err != nil {
		return err
	}
	f, err := FindingsFrom(sc[signal.Research])
	if err != nil {
		return err
	}

	depth := int(sc.FloatOr(signal.AnomalyIterations, invoice.DepthRecord))
	if sc.Has(signal.Reconciliation) {
		depth = invoice.DepthPayments
	}

	a := invoice.Score(invoice.ScoreInput{
		Invoices: invs,
		Payments: pays,
		Flagged:  f.Flagged,
	}, depth)

	sc[signal.AnomalyScore] = a.Score
	sc[signal.AnomalySignals] = a.Signals
	sc[AnomalyAssessment] = a
	return nil
}
