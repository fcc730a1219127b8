package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

type reconcileStage struct {
	name string
}

func (s *reconcileStage) Name() string { return s.name }

func (s *reconcileStage) Run(_ context.Context, sc signal.Context) error {
	invs, err := loadInvoices(sc)
	if err != nil {
		return err
	}
	pays, err := loadPayments(sc)
	if err != nil {
		return err
	}
	sc[signal.Reconciliation] = invoice.Reconcile(invs, pays)
	return nil
}

// ReconciliationFrom converts a context value into an invoice.Reconciliation.
func ReconciliationFrom(v any) (invoice.Reconciliation, bool, error) {
	switch r := v.(type) {
	case nil:
		return invoice.Reconciliation{}, false, nil
	case invoice.Reconciliation:
		return r, true, nil
	case *invoice.Reconciliation:
		if r == nil {
			return invoice.Reconciliation{}, false, nil
		}
		return *r, true, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return invoice.Reconciliation{}, false, fmt.Errorf("encode reconciliation: %w", err)
	}
	var out invoice.Reconciliation
	if err := json.Unmarshal(b, &out); err != nil {
		return invoice.Reconciliation{}, false, fmt.Errorf("decode reconciliation: %w", err)
	}
	return out, true, nil
}
