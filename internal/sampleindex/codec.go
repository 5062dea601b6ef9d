package sampleindex

import (
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"
)

// NA is the code every categorical field reserves for an absent or
// unrecognized value, and the empty mask of a multi-valued field
const NA uint64 = 0

// Range is the half-open interval [Lower, Upper) a range bucket covers
type Range struct {
	Lower float64
	Upper float64
}

// Contains reports whether v falls inside the interval
func (r Range) Contains(v float64) bool {
	return v >= r.Lower && v < r.Upper
}

// Codec encodes raw field values into fixed-width codes. It is immutable
// and safe for concurrent use.
type Codec struct {
	cfg  *FieldConfiguration
	bits int
}

// NewCodec builds the codec for a validated field configuration
func NewCodec(cfg *FieldConfiguration) *Codec {
	c := &Codec{cfg: cfg}
	switch {
	case cfg.typ == TypeCategoricalMultiValue:
		c.bits = len(cfg.values)
	case cfg.typ.IsRange():
		// buckets 0..len(thresholds), plus the NA bucket
		c.bits = bits.Len(uint(len(cfg.thresholds) + 1))
	default:
		// ceil(log2(len(values)+1)): code 0 is NA
		c.bits = bits.Len(uint(len(cfg.values)))
	}
	return c
}

// Config returns the field configuration
func (c *Codec) Config() *FieldConfiguration { return c.cfg }

// Bits returns the fixed width of the field in a sample record
func (c *Codec) Bits() int { return c.bits }

// NA returns the code this field uses for missing or unparseable input
func (c *Codec) NA() uint64 {
	if c.cfg.typ.IsRange() {
		return uint64(len(c.cfg.thresholds) + 1)
	}
	return NA
}

// Code returns the 1-based code of a categorical raw value, or NA
func (c *Codec) Code(raw string) uint64 {
	return c.cfg.mapping[raw]
}

// Encode encodes a single raw value. For multi-valued fields the result is
// a one-value mask.
func (c *Codec) Encode(raw string) uint64 {
	switch {
	case c.cfg.typ.IsRange():
		return c.Bucket(raw)
	case c.cfg.typ == TypeCategoricalMultiValue:
		return c.Mask([]string{raw})
	default:
		return c.Code(raw)
	}
}

// EncodeValues encodes the raw values a record holds for this field.
// Single-valued fields take the first recognized value.
func (c *Codec) EncodeValues(raws []string) uint64 {
	switch {
	case c.cfg.typ == TypeCategoricalMultiValue:
		return c.Mask(raws)
	case c.cfg.typ.IsRange():
		if len(raws) == 0 {
			return c.NA()
		}
		return c.Bucket(raws[0])
	default:
		for _, raw := range raws {
			if code := c.Code(raw); code != NA {
				return code
			}
		}
		return NA
	}
}

// Codes returns the distinct codes of the recognized raw values, in input order
func (c *Codec) Codes(raws []string) []uint64 {
	var out []uint64
	for _, raw := range raws {
		if code := c.Code(raw); code != NA && !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	return out
}

// Mask packs recognized raw values into a bitmask, one bit per configured
// value, so several values can be tested with a single AND
func (c *Codec) Mask(raws []string) uint64 {
	var mask uint64
	for _, code := range c.Codes(raws) {
		mask |= 1 << (code - 1)
	}
	return mask
}

// Bucket maps a numeric raw value onto its range bucket: the number of
// thresholds t with t <= v. Unparseable and non-finite input maps to the
// NA bucket, never to bucket 0.
func (c *Codec) Bucket(raw string) uint64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return c.NA()
	}
	return c.BucketOf(v)
}

// BucketOf is Bucket for an already parsed value
func (c *Codec) BucketOf(v float64) uint64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return c.NA()
	}
	var n uint64
	for _, t := range c.cfg.thresholds {
		if t <= v {
			n++
		} else {
			break
		}
	}
	return n
}

// DecodeValue returns the configured value for a categorical code
func (c *Codec) DecodeValue(code uint64) (string, bool) {
	if code == NA || code > uint64(len(c.cfg.values)) {
		return "", false
	}
	return c.cfg.values[code-1], true
}

// DecodeMask returns the configured values whose bits are set
func (c *Codec) DecodeMask(mask uint64) []string {
	var out []string
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		if i < len(c.cfg.values) {
			out = append(out, c.cfg.values[i])
		}
		mask &^= 1 << i
	}
	return out
}

// DecodeRange returns the interval covered by a range bucket. The NA
// bucket, and codes outside the bucket space, report false.
func (c *Codec) DecodeRange(code uint64) (Range, bool) {
	n := uint64(len(c.cfg.thresholds))
	if code > n {
		return Range{}, false
	}
	r := Range{Lower: math.Inf(-1), Upper: math.Inf(1)}
	if code > 0 {
		r.Lower = c.cfg.thresholds[code-1]
	}
	if code < n {
		r.Upper = c.cfg.thresholds[code]
	}
	return r, true
}

// Buckets returns the number of value buckets, excluding NA
func (c *Codec) Buckets() int {
	return len(c.cfg.thresholds) + 1
}
