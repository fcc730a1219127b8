package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/signal"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

const articlesPerVendor = 3

// Findings is what research learned about the batch's vendors.
type Findings struct {
	// Flagged maps vendor ID to the reason it was flagged.
	Flagged  map[string]string               `json:"flagged_vendors"`
	Hits     map[string][]tools.WatchlistHit `json:"hits,omitempty"`
	Articles []tools.SearchResult            `json:"articles,omitempty"`
	Notes    []string                        `json:"notes,omitempty"`
}

// FindingsFrom converts a context value into Findings. It accepts the typed
// value written by the research stage or any JSON-shaped value, such as an
// agent's output.
func FindingsFrom(v any) (Findings, error) {
	switch f := v.(type) {
	case nil:
		return Findings{}, nil
	case Findings:
		return f, nil
	case *Findings:
		if f == nil {
			return Findings{}, nil
		}
		return *f, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Findings{}, fmt.Errorf("encode research: %w", err)
	}
	var out Findings
	if err := json.Unmarshal(b, &out); err != nil {
		return Findings{}, fmt.Errorf("decode research: %w", err)
	}
	return out, nil
}

type researchStage struct {
	name      string
	watchlist tools.VendorWatchlist
	search    tools.WebSearch
	logger    log.Logger
}

func (s *researchStage) Name() string { return s.name }

func (s *researchStage) Run(ctx context.Context, sc signal.Context) error {
	invs, err := loadInvoices(sc)
	if err != nil {
		return err
	}

	f := Findings{
		Flagged: make(map[string]string),
		Hits:    make(map[string][]tools.WatchlistHit),
	}

	names := make(map[string]string)
	var vendors []string
	for _, inv := range invs {
		if _, ok := names[inv.VendorID]; ok {
			continue
		}
		names[inv.VendorID] = inv.VendorName
		vendors = append(vendors, inv.VendorID)
	}

	if s.watchlist == nil {
		f.Notes = append(f.Notes, "no watchlist configured")
	} else {
		for _, v := range vendors {
			hits, err := s.watchlist.Lookup(ctx, v, names[v])
			if err != nil {
				return fmt.Errorf("watchlist lookup %s: %w", v, err)
			}
			if len(hits) == 0 {
				continue
			}
			f.Hits[v] = hits
			f.Flagged[v] = fmt.Sprintf("%s: %s", hits[0].List, hits[0].Reason)
		}
	}

	// web search is advisory; failures are noted, not fatal
	if s.search != nil {
		for _, v := range vendors {
			if _, flagged := f.Flagged[v]; !flagged {
				continue
			}
			name := names[v]
			if name == "" {
				name = v
			}
			res, err := s.search.Search(ctx, fmt.Sprintf("%q invoice fraud", name), articlesPerVendor)
			if err != nil {
				s.logger.Warn(ctx, "web search failed", "vendor_id", v, "error", err)
				f.Notes = append(f.Notes, fmt.Sprintf("web search for %s failed", v))
				continue
			}
			f.Articles = append(f.Articles, res...)
		}
	}

	sc[signal.Research] = f
	s.logger.Info(ctx, "research complete", "vendors", len(vendors), "flagged", len(f.Flagged), "articles", len(f.Articles))
	return nil
}
