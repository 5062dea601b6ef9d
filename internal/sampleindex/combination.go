package sampleindex

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/dshills/varindex/pkg/types"
)

// Triple is one raw (consequence type, biotype, transcript flag) value
// combination observed on a transcript
type Triple struct {
	ConsequenceType string `toml:"ct" msgpack:"ct"`
	Biotype         string `toml:"bt" msgpack:"bt"`
	Flag            string `toml:"tf" msgpack:"tf"`
}

func (t Triple) String() string {
	return fmt.Sprintf("(%s, %s, %s)", t.ConsequenceType, t.Biotype, t.Flag)
}

// CombinationSpec names the three fields a combination index joins and the
// triples that can actually co-occur
type CombinationSpec struct {
	ConsequenceTypeKey string   `toml:"consequence_type_key" msgpack:"ct"`
	BiotypeKey         string   `toml:"biotype_key" msgpack:"bt"`
	FlagKey            string   `toml:"flag_key" msgpack:"tf"`
	Reachable          []Triple `toml:"reachable" msgpack:"reachable"`
}

// codeTriple is a triple of 1-based field codes
type codeTriple [3]uint64

// CombinationIndex assigns dense ids to the reachable code triples of three
// categorical fields. Id 0 means "no combination". The index is built once
// and never changes.
type CombinationIndex struct {
	fields  [3]*Codec
	forward map[codeTriple]uint32
	inverse []codeTriple // inverse[id-1]
}

// NewCombinationIndex enumerates the Cartesian product of the three code
// spaces in (ct, bt, tf) order and keeps only the reachable triples
func NewCombinationIndex(ct, bt, tf *Codec, reachable []Triple) (*CombinationIndex, error) {
	const op = "combination index"
	for _, c := range []*Codec{ct, bt, tf} {
		if c.cfg.typ.IsRange() {
			return nil, types.NewSchemaError(op, "field %s is not categorical", c.cfg.key)
		}
	}
	if len(reachable) == 0 {
		return nil, types.NewSchemaError(op, "reachability allow-list is empty")
	}

	allowed := make(map[codeTriple]struct{}, len(reachable))
	for _, t := range reachable {
		ct3 := codeTriple{ct.Code(t.ConsequenceType), bt.Code(t.Biotype), tf.Code(t.Flag)}
		if ct3[0] == NA || ct3[1] == NA || ct3[2] == NA {
			return nil, types.NewSchemaError(op, "reachable triple %s uses a value outside the field configuration", t)
		}
		allowed[ct3] = struct{}{}
	}

	ci := &CombinationIndex{
		fields:  [3]*Codec{ct, bt, tf},
		forward: make(map[codeTriple]uint32, len(allowed)),
		inverse: make([]codeTriple, 0, len(allowed)),
	}
	nct, nbt, ntf := uint64(len(ct.cfg.values)), uint64(len(bt.cfg.values)), uint64(len(tf.cfg.values))
	for x := uint64(1); x <= nct; x++ {
		for y := uint64(1); y <= nbt; y++ {
			for z := uint64(1); z <= ntf; z++ {
				key := codeTriple{x, y, z}
				if _, ok := allowed[key]; !ok {
					continue
				}
				ci.inverse = append(ci.inverse, key)
				ci.forward[key] = uint32(len(ci.inverse))
			}
		}
	}
	return ci, nil
}

// Len returns the number of reachable combinations, which is also the
// width in bits of a combination mask
func (ci *CombinationIndex) Len() int {
	return len(ci.inverse)
}

// Fields returns the consequence type, biotype and flag codecs
func (ci *CombinationIndex) Fields() (ct, bt, tf *Codec) {
	return ci.fields[0], ci.fields[1], ci.fields[2]
}

// Combine returns the dense id of a code triple. A triple outside the
// allow-list means index and query disagree on the schema.
func (ci *CombinationIndex) Combine(ct, bt, tf uint64) (uint32, error) {
	id, ok := ci.forward[codeTriple{ct, bt, tf}]
	if !ok {
		return 0, types.NewSchemaError("combine", "triple (%d, %d, %d) is not registered", ct, bt, tf)
	}
	return id, nil
}

// Split returns the code triple of a dense id
func (ci *CombinationIndex) Split(id uint32) (ct, bt, tf uint64, err error) {
	if id == 0 || int(id) > len(ci.inverse) {
		return 0, 0, 0, types.NewSchemaError("split", "combination id %d out of range [1, %d]", id, len(ci.inverse))
	}
	t := ci.inverse[id-1]
	return t[0], t[1], t[2], nil
}

// CombineValues is Combine over raw values
func (ci *CombinationIndex) CombineValues(t Triple) (uint32, error) {
	return ci.Combine(ci.fields[0].Code(t.ConsequenceType), ci.fields[1].Code(t.Biotype), ci.fields[2].Code(t.Flag))
}

// SplitValues is Split returning raw values
func (ci *CombinationIndex) SplitValues(id uint32) (Triple, error) {
	ct, bt, tf, err := ci.Split(id)
	if err != nil {
		return Triple{}, err
	}
	var t Triple
	t.ConsequenceType, _ = ci.fields[0].DecodeValue(ct)
	t.Biotype, _ = ci.fields[1].DecodeValue(bt)
	t.Flag, _ = ci.fields[2].DecodeValue(tf)
	return t, nil
}

// Encode sets one bit per combination id present in triples. Triples with
// an unrecognized component are annotation gaps and are skipped; triples
// whose components are all known but whose combination is not registered
// are schema errors.
func (ci *CombinationIndex) Encode(triples []Triple) (*bitset.BitSet, error) {
	mask := bitset.New(uint(len(ci.inverse)))
	for _, t := range triples {
		ct, bt, tf := ci.fields[0].Code(t.ConsequenceType), ci.fields[1].Code(t.Biotype), ci.fields[2].Code(t.Flag)
		if ct == NA || bt == NA || tf == NA {
			continue
		}
		id, err := ci.Combine(ct, bt, tf)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		mask.Set(uint(id - 1))
	}
	return mask, nil
}

// Decode lists the raw triples whose bits are set in mask
func (ci *CombinationIndex) Decode(mask *bitset.BitSet) ([]Triple, error) {
	var out []Triple
	for i, ok := mask.NextSet(0); ok; i, ok = mask.NextSet(i + 1) {
		t, err := ci.SplitValues(uint32(i + 1))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Matching returns the mask of every combination whose components fall in
// the given raw value sets. An empty set places no constraint on that
// component.
func (ci *CombinationIndex) Matching(cts, bts, tfs []string) *bitset.BitSet {
	want := [3]map[uint64]struct{}{}
	for i, vals := range [3][]string{cts, bts, tfs} {
		if len(vals) == 0 {
			continue
		}
		want[i] = make(map[uint64]struct{}, len(vals))
		for _, code := range ci.fields[i].Codes(vals) {
			want[i][code] = struct{}{}
		}
	}

	mask := bitset.New(uint(len(ci.inverse)))
	for idx, t := range ci.inverse {
		match := true
		for i := range t {
			if want[i] == nil {
				continue
			}
			if _, ok := want[i][t[i]]; !ok {
				match = false
				break
			}
		}
		if match {
			mask.Set(uint(idx))
		}
	}
	return mask
}
