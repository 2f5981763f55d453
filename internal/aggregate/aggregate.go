// Package aggregate folds normalized license records into one row per
// physical location. Aggregation is commutative and associative: input
// order never changes the result, and partial aggregations from parallel
// ingestion merge cleanly.
package aggregate

import (
	"sort"

	"github.com/licensemap/licensemap/internal/model"
)

// Aggregator accumulates license counts keyed by address key. Not safe
// for concurrent use; run one per ingestion goroutine and Merge.
type Aggregator struct {
	locations map[string]*model.LocationAggregate
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{locations: make(map[string]*model.LocationAggregate)}
}

// Add records one license at the given normalized address.
func (a *Aggregator) Add(addr *model.NormalizedAddress, cat model.Category) {
	loc, ok := a.locations[addr.Key]
	if !ok {
		loc = &model.LocationAggregate{
			Key:     addr.Key,
			Address: addr.Street,
			Unit:    addr.Unit,
			City:    addr.City,
			State:   addr.State,
			Zip:     addr.Zip,
			Counts:  make(map[model.Category]int),
		}
		a.locations[addr.Key] = loc
	}
	loc.TotalLicenses++
	loc.Counts[cat]++
}

// Merge folds another aggregator's locations into this one.
func (a *Aggregator) Merge(other *Aggregator) {
	for key, loc := range other.locations {
		dst, ok := a.locations[key]
		if !ok {
			a.locations[key] = loc
			continue
		}
		dst.TotalLicenses += loc.TotalLicenses
		for cat, n := range loc.Counts {
			dst.Counts[cat] += n
		}
	}
}

// Len returns the number of distinct locations seen so far.
func (a *Aggregator) Len() int {
	return len(a.locations)
}

// Locations returns the aggregates sorted by address key, so identical
// inputs produce identical output regardless of record order.
func (a *Aggregator) Locations() []*model.LocationAggregate {
	out := make([]*model.LocationAggregate, 0, len(a.locations))
	for _, loc := range a.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
