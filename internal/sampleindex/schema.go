package sampleindex

import (
	"slices"
	"strconv"

	"github.com/bits-and-blooms/bitset"

	"github.com/dshills/varindex/pkg/types"
)

// Annotation field keys with dedicated extraction rules. Any other
// ANNOTATION key is read as a population frequency ("study:population").
const (
	KeyConsequenceType = "consequenceType"
	KeyBiotype         = "biotype"
	KeyTranscriptFlag  = "transcriptFlag"
)

// FieldIndex places one field's codec at a fixed bit offset of the sample
// record
type FieldIndex struct {
	*Codec
	Offset int
}

// End returns the first bit after the field
func (f *FieldIndex) End() int {
	return f.Offset + f.Bits()
}

// SampleAnnotations are the raw per-field values of one sample at one
// variant, ready to be encoded
type SampleAnnotations struct {
	Values  map[string][]string
	Triples []Triple
}

// Schema is the record layout of one configuration version: every field at
// its offset, followed by the combination mask. It is immutable and safe
// for concurrent use.
type Schema struct {
	versioned   VersionedConfiguration
	fields      []*FieldIndex
	byKey       map[string]*FieldIndex
	combination *CombinationIndex
	comboOffset int
	bitLen      int
}

// NewSchema lays out a configuration version
func NewSchema(vc VersionedConfiguration) (*Schema, error) {
	if vc.Configuration == nil {
		return nil, types.NewSchemaError("schema", "version %d has no configuration", vc.Version)
	}

	s := &Schema{
		versioned: vc,
		byKey:     make(map[string]*FieldIndex),
	}
	offset := 0
	for _, fc := range vc.Configuration.fields {
		f := &FieldIndex{Codec: NewCodec(fc), Offset: offset}
		s.fields = append(s.fields, f)
		s.byKey[fc.key] = f
		offset = f.End()
	}

	if cs := vc.Configuration.combination; cs != nil {
		ci, err := NewCombinationIndex(
			s.byKey[cs.ConsequenceTypeKey].Codec,
			s.byKey[cs.BiotypeKey].Codec,
			s.byKey[cs.FlagKey].Codec,
			cs.Reachable,
		)
		if err != nil {
			return nil, err
		}
		s.combination = ci
		s.comboOffset = offset
		offset += ci.Len()
	}
	s.bitLen = offset

	if err := s.checkLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkLayout verifies that no two fields share a bit
func (s *Schema) checkLayout() error {
	type span struct {
		key        string
		start, end int
	}
	spans := make([]span, 0, len(s.fields)+1)
	for _, f := range s.fields {
		spans = append(spans, span{f.cfg.key, f.Offset, f.End()})
	}
	if s.combination != nil {
		spans = append(spans, span{"combination", s.comboOffset, s.comboOffset + s.combination.Len()})
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return types.NewSchemaError("schema", "field %s at bit %d overlaps %s ending at bit %d",
				spans[i].key, spans[i].start, spans[i-1].key, spans[i-1].end)
		}
	}
	if n := len(spans); n > 0 && spans[n-1].end > s.bitLen {
		return types.NewSchemaError("schema", "field %s exceeds record width", spans[n-1].key)
	}
	return nil
}

// Version returns the configuration version the schema lays out
func (s *Schema) Version() int { return s.versioned.Version }

// Versioned returns the configuration version
func (s *Schema) Versioned() VersionedConfiguration { return s.versioned }

// Bits returns the record width in bits
func (s *Schema) Bits() int { return s.bitLen }

// Width returns the record width in bytes
func (s *Schema) Width() int { return (s.bitLen + 7) / 8 }

// Fields returns the field layout in offset order
func (s *Schema) Fields() []*FieldIndex { return slices.Clone(s.fields) }

// Field looks up a field by key
func (s *Schema) Field(key string) (*FieldIndex, bool) {
	f, ok := s.byKey[key]
	return f, ok
}

// Combination returns the combination index, or nil when not configured
func (s *Schema) Combination() *CombinationIndex { return s.combination }

// EncodeSample packs one sample's annotations into a fixed-width record.
// Malformed values encode to NA; only schema inconsistencies fail.
func (s *Schema) EncodeSample(a SampleAnnotations) ([]byte, error) {
	buf := newBitBuffer(s.bitLen)
	for _, f := range s.fields {
		buf.write(f.Offset, f.Bits(), f.EncodeValues(a.Values[f.cfg.key]))
	}
	if s.combination != nil {
		mask, err := s.combination.Encode(a.Triples)
		if err != nil {
			return nil, err
		}
		buf.writeSet(s.comboOffset, s.combination.Len(), mask)
	}
	return buf, nil
}

// SampleRecord is a decoded sample record
type SampleRecord struct {
	Version     int
	Codes       map[string]uint64
	Combination *bitset.BitSet
}

// DecodeSample unpacks a record produced by EncodeSample of the same version
func (s *Schema) DecodeSample(record []byte) (*SampleRecord, error) {
	if len(record) != s.Width() {
		return nil, types.NewSchemaError("decode sample", "record is %d bytes, version %d expects %d",
			len(record), s.Version(), s.Width())
	}
	buf := bitBuffer(record)
	rec := &SampleRecord{Version: s.Version(), Codes: make(map[string]uint64, len(s.fields))}
	for _, f := range s.fields {
		rec.Codes[f.cfg.key] = buf.read(f.Offset, f.Bits())
	}
	if s.combination != nil {
		rec.Combination = buf.readSet(s.comboOffset, s.combination.Len())
	}
	return rec, nil
}

// Collect gathers the raw values every configured field reads for one
// sample of one variant
func (s *Schema) Collect(ann *types.Annotation, sample types.SampleData) SampleAnnotations {
	out := SampleAnnotations{Values: make(map[string][]string, len(s.fields))}
	for _, f := range s.fields {
		key := f.cfg.key
		switch f.cfg.source {
		case SourceFile:
			if v, ok := sample.File[key]; ok {
				out.Values[key] = []string{v}
			}
		case SourceSample:
			if v, ok := sample.Data[key]; ok {
				out.Values[key] = []string{v}
			}
		case SourceAnnotation:
			out.Values[key] = annotationValues(ann, key)
		}
	}
	if s.combination != nil && ann != nil {
		out.Triples = transcriptTriples(ann)
	}
	return out
}

func annotationValues(ann *types.Annotation, key string) []string {
	if ann == nil {
		return nil
	}
	switch key {
	case KeyConsequenceType:
		return ann.ConsequenceTypes()
	case KeyBiotype:
		return ann.Biotypes()
	case KeyTranscriptFlag:
		return ann.TranscriptFlags()
	}
	if f, ok := ann.PopulationFrequencies[key]; ok {
		return []string{strconv.FormatFloat(f, 'g', -1, 64)}
	}
	return nil
}

// transcriptTriples expands each transcript into its (ct, bt, flag) triples
func transcriptTriples(ann *types.Annotation) []Triple {
	var out []Triple
	for _, t := range ann.Transcripts {
		for _, ct := range t.ConsequenceTypes {
			for _, flag := range t.Flags {
				out = append(out, Triple{ConsequenceType: ct, Biotype: t.Biotype, Flag: flag})
			}
		}
	}
	return out
}
