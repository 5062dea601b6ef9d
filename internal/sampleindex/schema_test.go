package sampleindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/pkg/types"
)

func defaultSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(NewVersions(DefaultConfiguration(), testNow).list[0])
	require.NoError(t, err)
	return s
}

func testAnnotation() *types.Annotation {
	return &types.Annotation{
		Transcripts: []types.Transcript{
			{ID: "ENST01", Biotype: "protein_coding", ConsequenceTypes: []string{"missense_variant"}, Flags: []string{"basic", "canonical"}},
			{ID: "ENST02", Biotype: "antisense", ConsequenceTypes: []string{"intron_variant"}, Flags: []string{"basic"}},
		},
		PopulationFrequencies: map[string]float64{"1kG_phase3:ALL": 0.003},
	}
}

func TestSchemaLayout(t *testing.T) {
	s := defaultSchema(t)

	end := 0
	for _, f := range s.Fields() {
		assert.Equal(t, end, f.Offset, f.Config().Key())
		end = f.End()
	}
	require.NotNil(t, s.Combination())
	assert.Equal(t, end+s.Combination().Len(), s.Bits())
	assert.Equal(t, (s.Bits()+7)/8, s.Width())
}

func TestEncodeDecodeSample(t *testing.T) {
	s := defaultSchema(t)
	sample := types.SampleData{
		FileID: 1,
		File:   map[string]string{"FILTER": "PASS", "QUAL": "25.5"},
		Data:   map[string]string{"GT": "0/1", "DP": "17"},
	}

	record, err := s.EncodeSample(s.Collect(testAnnotation(), sample))
	require.NoError(t, err)
	assert.Len(t, record, s.Width())

	rec, err := s.DecodeSample(record)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)

	filter, _ := s.Field("FILTER")
	v, ok := filter.DecodeValue(rec.Codes["FILTER"])
	require.True(t, ok)
	assert.Equal(t, "PASS", v)

	qual, _ := s.Field("QUAL")
	r, ok := qual.DecodeRange(rec.Codes["QUAL"])
	require.True(t, ok)
	assert.True(t, r.Contains(25.5))

	dp, _ := s.Field("DP")
	r, ok = dp.DecodeRange(rec.Codes["DP"])
	require.True(t, ok)
	assert.True(t, r.Contains(17))

	bt, _ := s.Field(KeyBiotype)
	assert.ElementsMatch(t, []string{"protein_coding", "lincRNA"}, bt.DecodeMask(rec.Codes[KeyBiotype]))

	pop, _ := s.Field("1kG_phase3:ALL")
	r, ok = pop.DecodeRange(rec.Codes["1kG_phase3:ALL"])
	require.True(t, ok)
	assert.True(t, r.Contains(0.003))

	gnomad, _ := s.Field("GNOMAD_GENOMES:ALL")
	assert.Equal(t, gnomad.NA(), rec.Codes["GNOMAD_GENOMES:ALL"], "missing frequency is NA")

	triples, err := s.Combination().Decode(rec.Combination)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Triple{
		{"missense_variant", "protein_coding", "basic"},
		{"missense_variant", "protein_coding", "canonical"},
		{"intron_variant", "lincRNA", "basic"},
	}, triples)
}

func TestEncodeSampleMalformedValues(t *testing.T) {
	s := defaultSchema(t)
	sample := types.SampleData{
		File: map[string]string{"FILTER": "LowQual", "QUAL": "."},
		Data: map[string]string{"DP": "not-a-number"},
	}

	record, err := s.EncodeSample(s.Collect(nil, sample))
	require.NoError(t, err)
	rec, err := s.DecodeSample(record)
	require.NoError(t, err)

	assert.Equal(t, NA, rec.Codes["FILTER"])
	qual, _ := s.Field("QUAL")
	assert.Equal(t, qual.NA(), rec.Codes["QUAL"])
	dp, _ := s.Field("DP")
	assert.Equal(t, dp.NA(), rec.Codes["DP"])
	assert.Equal(t, uint(0), rec.Combination.Count())
}

func TestDecodeSampleWrongWidth(t *testing.T) {
	s := defaultSchema(t)
	_, err := s.DecodeSample(make([]byte, s.Width()+1))
	require.Error(t, err)
	assert.True(t, types.IsSchemaError(err))
}

func TestBitBuffer(t *testing.T) {
	buf := newBitBuffer(20)
	require.Len(t, buf, 3)

	buf.write(0, 3, 5)
	buf.write(3, 7, 0x55)
	buf.write(10, 10, 0x3ff)
	assert.Equal(t, uint64(5), buf.read(0, 3))
	assert.Equal(t, uint64(0x55), buf.read(3, 7))
	assert.Equal(t, uint64(0x3ff), buf.read(10, 10))

	// writes are masked to their width
	buf.write(0, 3, 0xff)
	assert.Equal(t, uint64(7), buf.read(0, 3))
	assert.Equal(t, uint64(0x55), buf.read(3, 7))
}
