package sampleindex

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Op is a numeric comparison on a range field
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
)

// FieldFilter restricts one field. Categorical and multi-valued fields use
// Values (any of); range fields use Op and Value.
type FieldFilter struct {
	Key    string   `json:"key"`
	Values []string `json:"values,omitempty"`
	Op     Op       `json:"op,omitempty"`
	Value  float64  `json:"value,omitempty"`
}

// CombinationFilter matches variants with at least one transcript whose
// (ct, bt, flag) triple satisfies every non-empty list
type CombinationFilter struct {
	ConsequenceTypes []string `json:"consequence_types,omitempty"`
	Biotypes         []string `json:"biotypes,omitempty"`
	Flags            []string `json:"flags,omitempty"`
}

// Query is a schema-independent sample index filter
type Query struct {
	Fields      []FieldFilter      `json:"fields,omitempty"`
	Combination *CombinationFilter `json:"combination,omitempty"`
}

// RecordFilter is a Query compiled against one schema version
type RecordFilter struct {
	fields []compiledField
	combo  *bitset.BitSet
	exact  bool
}

type compiledField struct {
	key   string
	match func(code uint64) bool
}

// Compile translates q into code-level predicates for this schema. Exact
// reports whether every record the filter accepts is a true match; when it
// is false the caller has to re-check candidates against the primary data.
func (s *Schema) Compile(q Query) (*RecordFilter, error) {
	rf := &RecordFilter{exact: true}
	for _, ff := range q.Fields {
		f, ok := s.byKey[ff.Key]
		if !ok {
			// not indexed in this version: every record is a candidate
			rf.exact = false
			continue
		}
		cf, exact, err := compileField(f.Codec, ff)
		if err != nil {
			return nil, err
		}
		rf.exact = rf.exact && exact
		rf.fields = append(rf.fields, cf)
	}

	if cq := q.Combination; cq != nil {
		if s.combination == nil {
			rf.exact = false
			return rf, nil
		}
		ct, bt, tf := s.combination.Fields()
		if !allKnown(ct, cq.ConsequenceTypes) || !allKnown(bt, cq.Biotypes) || !allKnown(tf, cq.Flags) {
			rf.exact = false
			return rf, nil
		}
		rf.combo = s.combination.Matching(cq.ConsequenceTypes, cq.Biotypes, cq.Flags)
	}
	return rf, nil
}

// Exact reports whether matches need no further verification
func (rf *RecordFilter) Exact() bool { return rf.exact }

// Match applies the filter to a decoded record
func (rf *RecordFilter) Match(rec *SampleRecord) bool {
	for _, cf := range rf.fields {
		if !cf.match(rec.Codes[cf.key]) {
			return false
		}
	}
	if rf.combo != nil {
		if rec.Combination == nil || rec.Combination.IntersectionCardinality(rf.combo) == 0 {
			return false
		}
	}
	return true
}

func allKnown(c *Codec, values []string) bool {
	for _, v := range values {
		if c.Code(v) == NA {
			return false
		}
	}
	return true
}

func compileField(c *Codec, ff FieldFilter) (compiledField, bool, error) {
	cf := compiledField{key: ff.Key}
	switch {
	case c.cfg.typ.IsRange():
		if ff.Op == "" {
			return cf, false, fmt.Errorf("filter on range field %s needs an operator", ff.Key)
		}
		match, exact, err := rangeMatcher(c, ff.Op, ff.Value)
		if err != nil {
			return cf, false, err
		}
		cf.match = match
		return cf, exact, nil

	case c.cfg.typ == TypeCategoricalMultiValue:
		if len(ff.Values) == 0 {
			return cf, false, fmt.Errorf("filter on field %s needs values", ff.Key)
		}
		if !allKnown(c, ff.Values) {
			// unindexed values leave no trace in the mask
			cf.match = func(uint64) bool { return true }
			return cf, false, nil
		}
		want := c.Mask(ff.Values)
		cf.match = func(mask uint64) bool { return mask&want != 0 }
		return cf, true, nil

	default:
		if len(ff.Values) == 0 {
			return cf, false, fmt.Errorf("filter on field %s needs values", ff.Key)
		}
		codes := make(map[uint64]struct{}, len(ff.Values))
		exact := true
		for _, v := range ff.Values {
			code := c.Code(v)
			if code == NA {
				// unknown values share the NA code with every other unknown
				exact = false
			}
			codes[code] = struct{}{}
		}
		cf.match = func(code uint64) bool {
			_, ok := codes[code]
			return ok
		}
		return cf, exact, nil
	}
}

// rangeMatcher selects the buckets whose interval intersects the query set.
// The result is exact when every selected bucket lies fully inside it.
func rangeMatcher(c *Codec, op Op, x float64) (func(uint64) bool, bool, error) {
	if math.IsNaN(x) {
		return nil, false, fmt.Errorf("filter value is NaN")
	}
	var intersects, contained func(r Range) bool
	switch op {
	case OpLT:
		intersects = func(r Range) bool { return r.Lower < x }
		contained = func(r Range) bool { return r.Upper <= x }
	case OpLE:
		intersects = func(r Range) bool { return r.Lower <= x }
		contained = func(r Range) bool { return r.Upper <= x }
	case OpGT:
		intersects = func(r Range) bool { return r.Upper > x }
		contained = func(r Range) bool { return r.Lower > x }
	case OpGE:
		intersects = func(r Range) bool { return r.Upper > x }
		contained = func(r Range) bool { return r.Lower >= x }
	default:
		return nil, false, fmt.Errorf("unknown operator %q", op)
	}

	selected := make([]bool, c.Buckets())
	exact := true
	for b := range selected {
		r, _ := c.DecodeRange(uint64(b))
		if intersects(r) {
			selected[b] = true
			if !contained(r) {
				exact = false
			}
		}
	}
	return func(code uint64) bool {
		return code < uint64(len(selected)) && selected[code]
	}, exact, nil
}
