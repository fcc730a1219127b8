package agent

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// Specs is a set of agents keyed by name.
type Specs map[string]Spec

type specsFile struct {
	Agents []Spec `yaml:"agents"`
}

// DefaultSpecs returns the built-in review agents. Model is left empty so the
// provider default applies.
func DefaultSpecs() Specs {
	list := []Spec{
		{
			Name: "research",
			Instruction: `Research current invoice and payment fraud patterns relevant to the vendors in this batch.
Check each vendor against the watchlist and search for recent reports about flagged vendors.
Return {"research": {"flagged_vendors": {"<vendor_id>": "<reason>"}, "notes": ["..."]}}.`,
			Tools: []string{tools.NameVendorWatchlist, tools.NameWebSearch},
		},
		{
			Name: "data_ingest",
			Instruction: `Load the invoices and payments for the batch and look up bank payments for each vendor.
Return {"invoices": [...], "payments": [...]} using the records exactly as the tools returned them.`,
			Tools: []string{tools.NameDBConnector, tools.NameBankAPI},
		},
		{
			Name: "anomaly_detector",
			Instruction: `Assess how likely the batch contains fraudulent or erroneous invoices: duplicates,
round amounts, changed bank details, amounts far above the vendor norm, unmatched payments.
Use earlier findings in the input. Return {"anomaly_score": <0..1>, "anomaly_signals": ["..."]}.`,
			Tools: []string{tools.NameBankAPI, tools.NameVendorWatchlist},
		},
		{
			Name: "reconciliation",
			Instruction: `Match every invoice to the payment that settles it. Give each match a
match_confidence between 0 and 1 and a short evidence note. Return
{"reconciliation": {"matches": [{"invoice_id": "...", "payment_id": "...", "status": "matched|partial|unmatched", "match_confidence": 0.0, "evidence": "..."}]}}.`,
			Tools: []string{tools.NameBankAPI},
		},
		{
			Name: "investigation",
			Instruction: `Write a Markdown investigation report with sections Summary, Evidence, Risk Rating
and Recommended Actions, save it with save_report_to_file and return {"report": "<markdown>", "report_path": "<location>"}.`,
			Tools: []string{tools.NameSaveReport},
		},
		{
			Name: "comms",
			Instruction: `Alert the finance review team about the escalated case with a short, factual message
naming the risk rating and the report location. Return {"notified": true} once sent.`,
			Tools: []string{tools.NameSendNotification},
		},
	}

	out := make(Specs, len(list))
	for _, s := range list {
		out[s.Name] = s
	}
	return out
}

// LoadSpecs reads agent definitions from a YAML file of the form
//
//	agents:
//	  - name: anomaly_detector
//	    model: claude-sonnet-4-20250514
//	    instruction: ...
//	    tools: [bank_api_tool]
//
// Entries override the defaults with the same name.
func LoadSpecs(path string) (Specs, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator configuration
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f specsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode agents file %s: %w", path, err)
	}

	out := DefaultSpecs()
	var errs []error
	for i, s := range f.Agents {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("agent %d: name is required", i))
			continue
		}
		if strings.TrimSpace(s.Instruction) == "" {
			errs = append(errs, fmt.Errorf("agent %q: instruction is required", s.Name))
			continue
		}
		if s.MaxToolRounds < 0 || s.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("agent %q: budgets must be >= 0", s.Name))
			continue
		}
		out[s.Name] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
