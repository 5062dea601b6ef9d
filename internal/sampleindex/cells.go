package sampleindex

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dshills/varindex/pkg/types"
)

// Table is the store table holding sample index cells
const Table = "sample_index"

// BucketSize is the genomic span of one sample index row
const BucketSize = 1_000_000

const keySep = "\x00"

// RowKey returns the sample index row holding a sample's variants in the
// bucket of pos. Keys of one sample and chromosome sort by position.
func RowKey(sample, chromosome string, pos int64) []byte {
	return fmt.Appendf(nil, "%s%s%s%s%010d", sample, keySep, chromosome, keySep, pos/BucketSize)
}

// RowPrefix returns the key prefix of a sample's rows, narrowed to one
// chromosome when chromosome is not empty
func RowPrefix(sample, chromosome string) []byte {
	if chromosome == "" {
		return []byte(sample + keySep)
	}
	return []byte(sample + keySep + chromosome + keySep)
}

// ValidSampleName reports whether a sample name can be used in row keys
func ValidSampleName(sample string) bool {
	return sample != "" && !strings.Contains(sample, keySep)
}

// EncodeCell prefixes a record with the version of the schema that wrote it
func EncodeCell(version int, record []byte) []byte {
	buf := binary.AppendUvarint(make([]byte, 0, len(record)+2), uint64(version))
	return append(buf, record...)
}

// DecodeCell splits a cell into schema version and record
func DecodeCell(cell []byte) (version int, record []byte, err error) {
	v, n := binary.Uvarint(cell)
	if n <= 0 || v == 0 || v > 1<<31 {
		return 0, nil, types.NewSchemaError("decode cell", "malformed version prefix")
	}
	return int(v), cell[n:], nil
}

// EncodeCell encodes one sample of one variant with this schema
func (s *Schema) EncodeCell(ann *types.Annotation, sample types.SampleData) ([]byte, error) {
	record, err := s.EncodeSample(s.Collect(ann, sample))
	if err != nil {
		return nil, err
	}
	return EncodeCell(s.Version(), record), nil
}

// DecodeCell decodes a cell written under any version the registry knows.
// A version it does not know is a SchemaError.
func (r *Registry) DecodeCell(cell []byte) (*SampleRecord, error) {
	version, record, err := DecodeCell(cell)
	if err != nil {
		return nil, err
	}
	s, err := r.Schema(version)
	if err != nil {
		return nil, err
	}
	return s.DecodeSample(record)
}
