package types

import (
	"fmt"
	"strconv"
	"strings"
)

// positionWidth pads positions in row keys so that lexicographic key order
// matches genomic order within a chromosome.
const positionWidth = 10

// Variant identifies a single allele change at a genomic coordinate
type Variant struct {
	Chromosome string
	Position   int64
	Reference  string
	Alternate  string
}

// VariantKey is the primary table row key of a variant: chrom:pos:ref:alt
type VariantKey string

// Validate checks if the variant coordinate is well formed
func (v Variant) Validate() error {
	if v.Chromosome == "" {
		return ErrEmptyChromosome
	}
	if strings.ContainsAny(v.Chromosome, ":\x00") {
		return fmt.Errorf("%w: chromosome %q contains a separator", ErrInvalidVariantData, v.Chromosome)
	}
	if v.Position < 1 {
		return ErrInvalidPosition
	}
	if v.Reference == "" && v.Alternate == "" {
		return ErrEmptyAllele
	}
	return nil
}

// Key returns the row key for the variant
func (v Variant) Key() VariantKey {
	return VariantKey(fmt.Sprintf("%s:%0*d:%s:%s", v.Chromosome, positionWidth, v.Position, v.Reference, v.Alternate))
}

func (v Variant) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", v.Chromosome, v.Position, v.Reference, v.Alternate)
}

// ParseVariantKey decodes a row key produced by Variant.Key
func ParseVariantKey(key VariantKey) (Variant, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 4 {
		return Variant{}, fmt.Errorf("%w: %q", ErrInvalidVariantKey, key)
	}
	pos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Variant{}, fmt.Errorf("%w: %q: %v", ErrInvalidVariantKey, key, err)
	}
	v := Variant{Chromosome: parts[0], Position: pos, Reference: parts[2], Alternate: parts[3]}
	if err := v.Validate(); err != nil {
		return Variant{}, err
	}
	return v, nil
}

// Chromosome returns the chromosome prefix of the key without a full parse
func (k VariantKey) Chromosome() string {
	chrom, _, _ := strings.Cut(string(k), ":")
	return chrom
}

// Transcript is the per-transcript part of a variant annotation
type Transcript struct {
	ID               string   `msgpack:"id"`
	Biotype          string   `msgpack:"bt"`
	ConsequenceTypes []string `msgpack:"ct"`
	Flags            []string `msgpack:"tf,omitempty"`
}

// Annotation holds the annotation fields the sample index needs
type Annotation struct {
	Transcripts []Transcript `msgpack:"tr"`

	// PopulationFrequencies maps "study:population" to alternate allele frequency
	PopulationFrequencies map[string]float64 `msgpack:"pf,omitempty"`
}

// Biotypes returns the distinct biotypes over all transcripts, in first-seen order
func (a *Annotation) Biotypes() []string {
	if a == nil {
		return nil
	}
	return distinct(len(a.Transcripts), func(yield func(string)) {
		for _, t := range a.Transcripts {
			yield(t.Biotype)
		}
	})
}

// ConsequenceTypes returns the distinct consequence types over all transcripts
func (a *Annotation) ConsequenceTypes() []string {
	if a == nil {
		return nil
	}
	return distinct(len(a.Transcripts), func(yield func(string)) {
		for _, t := range a.Transcripts {
			for _, ct := range t.ConsequenceTypes {
				yield(ct)
			}
		}
	})
}

// TranscriptFlags returns the distinct transcript flags over all transcripts
func (a *Annotation) TranscriptFlags() []string {
	if a == nil {
		return nil
	}
	return distinct(len(a.Transcripts), func(yield func(string)) {
		for _, t := range a.Transcripts {
			for _, f := range t.Flags {
				yield(f)
			}
		}
	})
}

func distinct(hint int, each func(yield func(string))) []string {
	seen := make(map[string]struct{}, hint)
	out := make([]string, 0, hint)
	each(func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	})
	return out
}

// Well-known per-file attribute keys
const (
	AttrFilter = "FILTER"
	AttrQual   = "QUAL"
)

// SampleData is what one loaded file says about one sample at one variant.
// File holds file-level attributes (FILTER, QUAL); Data holds sample format
// fields (GT, DP, ...). Values are kept as raw strings; parsing happens in
// the index codecs, where failures map to NA.
type SampleData struct {
	FileID int               `msgpack:"f"`
	File   map[string]string `msgpack:"fa,omitempty"`
	Data   map[string]string `msgpack:"d,omitempty"`
}

// VariantRecord is one loaded record for a variant coordinate. Several
// records for the same coordinate arise from overlapping input files.
type VariantRecord struct {
	Variant
	FileID int
	Filter string
	Qual   string
	Sample string
	Data   map[string]string
}
