package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Watchlist is an in-memory vendor risk list.
type Watchlist struct {
	byID   map[string][]WatchlistHit
	byName map[string][]WatchlistHit
	n      int
}

type watchlistFile struct {
	Vendors []WatchlistHit `yaml:"vendors"`
}

// NewWatchlist indexes entries by vendor id and normalized name.
func NewWatchlist(entries []WatchlistHit) *Watchlist {
	w := &Watchlist{
		byID:   make(map[string][]WatchlistHit),
		byName: make(map[string][]WatchlistHit),
		n:      len(entries),
	}
	for _, e := range entries {
		if id := strings.TrimSpace(e.VendorID); id != "" {
			w.byID[id] = append(w.byID[id], e)
		}
		if name := normalizeVendorName(e.Name); name != "" {
			w.byName[name] = append(w.byName[name], e)
		}
	}
	return w
}

// LoadWatchlist reads a YAML watchlist of the form
//
//	vendors:
//	  - vendor_id: V-100
//	    name: Acme Supplies
//	    list: sanctions
//	    reason: OFAC match
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	var f watchlistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse watchlist %s: %w", path, err)
	}
	for i, v := range f.Vendors {
		if strings.TrimSpace(v.VendorID) == "" && strings.TrimSpace(v.Name) == "" {
			return nil, fmt.Errorf("watchlist %s: entry %d has neither vendor_id nor name", path, i)
		}
	}
	return NewWatchlist(f.Vendors), nil
}

// Len returns the number of entries.
func (w *Watchlist) Len() int {
	return w.n
}

// Lookup returns every entry matching the vendor id or its normalized name.
func (w *Watchlist) Lookup(_ context.Context, vendorID, vendorName string) ([]WatchlistHit, error) {
	var out []WatchlistHit
	seen := make(map[WatchlistHit]struct{})
	add := func(hits []WatchlistHit) {
		for _, h := range hits {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	if id := strings.TrimSpace(vendorID); id != "" {
		add(w.byID[id])
	}
	if name := normalizeVendorName(vendorName); name != "" {
		add(w.byName[name])
	}
	return out, nil
}

func normalizeVendorName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
