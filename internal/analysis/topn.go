package analysis

import (
	"math"
	"sort"

	"github.com/factorlab/factorlab/internal/series"
)

// TopFactorCount is how many symbols the last-date snapshot keeps.
const TopFactorCount = 20

// TopEntry is one row of the last_date_top_factor table.
type TopEntry struct {
	Symbol string  `bson:"symbol" json:"symbol"`
	Name   string  `bson:"name" json:"name"`
	Date   string  `bson:"date" json:"date"`
	Value  float64 `bson:"value" json:"value"`
}

// TopFactors snapshots the n largest factor values on the frame's last
// date, descending, ties broken by symbol. Display names come from the
// names map; symbols without one fall back to the code itself.
func TopFactors(f *series.Frame, factorCol string, n int, names map[string]string) []TopEntry {
	xs := f.Float(factorCol)
	if xs == nil || f.Len() == 0 {
		return nil
	}
	dates := f.DistinctDates()
	last := dates[len(dates)-1]

	var entries []TopEntry
	for _, g := range f.DateGroups() {
		if g.Key != last {
			continue
		}
		for _, r := range g.Rows {
			if math.IsNaN(xs[r]) {
				continue
			}
			sym := f.Symbol(r)
			name := names[sym]
			if name == "" {
				if ns := f.Str("name"); ns != nil && ns[r] != "" {
					name = ns[r]
				} else {
					name = sym
				}
			}
			entries = append(entries, TopEntry{Symbol: sym, Name: name, Date: last, Value: xs[r]})
		}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].Value != entries[b].Value {
			return entries[a].Value > entries[b].Value
		}
		return entries[a].Symbol < entries[b].Symbol
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
