package resolver

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/dshills/varindex/pkg/types"
)

// FilterPass is the FILTER value that outranks every other
const FilterPass = "PASS"

// quality parses a QUAL value. Missing or malformed values rank below any
// real quality.
func quality(raw string) (float64, bool) {
	q, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(q) {
		return 0, false
	}
	return q, true
}

// Compare orders a before b when a is the better record: PASS before
// anything else, then higher quality, with unparseable quality last.
// Records of equal rank compare as 0.
func Compare(a, b *types.VariantRecord) int {
	aPass, bPass := a.Filter == FilterPass, b.Filter == FilterPass
	if aPass != bPass {
		if aPass {
			return -1
		}
		return 1
	}

	aq, aok := quality(a.Qual)
	bq, bok := quality(b.Qual)
	switch {
	case aok && bok:
		switch {
		case aq > bq:
			return -1
		case aq < bq:
			return 1
		}
		return 0
	case aok:
		return -1
	case bok:
		return 1
	}
	return 0
}

// Sort orders records best first. Equal-ranked records keep their input
// order so that reruns on the same input pick the same winner.
func Sort(records []*types.VariantRecord) {
	slices.SortStableFunc(records, Compare)
}

// Resolve picks the winner among records describing the same variant.
// The input slice is not modified.
func Resolve(records []*types.VariantRecord) (winner *types.VariantRecord, discarded []*types.VariantRecord) {
	if len(records) == 0 {
		return nil, nil
	}
	sorted := slices.Clone(records)
	Sort(sorted)
	return sorted[0], sorted[1:]
}

// Resolution is the outcome for one variant coordinate
type Resolution struct {
	Key       types.VariantKey
	Winner    *types.VariantRecord
	Discarded []*types.VariantRecord
}

// ResolveAll groups records by variant key and resolves each group.
// Groups are returned in order of first appearance.
func ResolveAll(records []*types.VariantRecord) []Resolution {
	groups := make(map[types.VariantKey][]*types.VariantRecord)
	var order []types.VariantKey
	for _, r := range records {
		key := r.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	out := make([]Resolution, 0, len(order))
	for _, key := range order {
		winner, discarded := Resolve(groups[key])
		out = append(out, Resolution{Key: key, Winner: winner, Discarded: discarded})
	}
	return out
}

// Duplicates reports whether any variant coordinate appears more than once
func Duplicates(records []*types.VariantRecord) bool {
	seen := make(map[types.VariantKey]struct{}, len(records))
	for _, r := range records {
		key := r.Key()
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
	}
	return false
}
