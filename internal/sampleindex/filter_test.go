package sampleindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/pkg/types"
)

func encodeDecode(t *testing.T, s *Schema, ann *types.Annotation, sample types.SampleData) *SampleRecord {
	t.Helper()
	record, err := s.EncodeSample(s.Collect(ann, sample))
	require.NoError(t, err)
	rec, err := s.DecodeSample(record)
	require.NoError(t, err)
	return rec
}

func TestRangeFilterExactness(t *testing.T) {
	s := defaultSchema(t) // QUAL thresholds 10, 20, 30

	tests := []struct {
		name  string
		op    Op
		value float64
		exact bool
	}{
		{"on a threshold", OpGE, 20, true},
		{"between thresholds", OpGE, 25, false},
		{"strictly below a threshold", OpLT, 30, true},
		{"le inside a bucket", OpLE, 15, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rf, err := s.Compile(Query{Fields: []FieldFilter{{Key: "QUAL", Op: tt.op, Value: tt.value}}})
			require.NoError(t, err)
			assert.Equal(t, tt.exact, rf.Exact())
		})
	}
}

func TestRangeFilterMatch(t *testing.T) {
	s := defaultSchema(t)
	rf, err := s.Compile(Query{Fields: []FieldFilter{{Key: "QUAL", Op: OpGE, Value: 20}}})
	require.NoError(t, err)

	for qual, want := range map[string]bool{"5": false, "19.99": false, "20": true, "45": true, ".": false} {
		rec := encodeDecode(t, s, nil, types.SampleData{File: map[string]string{"QUAL": qual}})
		assert.Equal(t, want, rf.Match(rec), "QUAL=%s", qual)
	}
}

func TestCategoricalFilter(t *testing.T) {
	s := defaultSchema(t)
	pass := encodeDecode(t, s, nil, types.SampleData{File: map[string]string{"FILTER": "PASS"}})
	lowq := encodeDecode(t, s, nil, types.SampleData{File: map[string]string{"FILTER": "LowQual"}})

	rf, err := s.Compile(Query{Fields: []FieldFilter{{Key: "FILTER", Values: []string{"PASS"}}}})
	require.NoError(t, err)
	assert.True(t, rf.Exact())
	assert.True(t, rf.Match(pass))
	assert.False(t, rf.Match(lowq))

	// LowQual is not indexed: it shares the NA code, so candidates need checking
	rf, err = s.Compile(Query{Fields: []FieldFilter{{Key: "FILTER", Values: []string{"LowQual"}}}})
	require.NoError(t, err)
	assert.False(t, rf.Exact())
	assert.True(t, rf.Match(lowq))
	assert.False(t, rf.Match(pass))
}

func TestMultiValueFilter(t *testing.T) {
	s := defaultSchema(t)
	rec := encodeDecode(t, s, testAnnotation(), types.SampleData{})

	rf, err := s.Compile(Query{Fields: []FieldFilter{{Key: KeyConsequenceType, Values: []string{"intron_variant", "stop_gained"}}}})
	require.NoError(t, err)
	assert.True(t, rf.Exact())
	assert.True(t, rf.Match(rec))

	rf, err = s.Compile(Query{Fields: []FieldFilter{{Key: KeyConsequenceType, Values: []string{"stop_gained"}}}})
	require.NoError(t, err)
	assert.False(t, rf.Match(rec))
}

func TestCombinationFilter(t *testing.T) {
	s := defaultSchema(t)
	rec := encodeDecode(t, s, testAnnotation(), types.SampleData{})

	// missense on protein_coding only carries basic and canonical
	rf, err := s.Compile(Query{Combination: &CombinationFilter{
		ConsequenceTypes: []string{"missense_variant"},
		Biotypes:         []string{"protein_coding"},
		Flags:            []string{"canonical"},
	}})
	require.NoError(t, err)
	assert.True(t, rf.Exact())
	assert.True(t, rf.Match(rec))

	// intron only occurs on the lincRNA transcript, never with canonical
	rf, err = s.Compile(Query{Combination: &CombinationFilter{
		ConsequenceTypes: []string{"intron_variant"},
		Flags:            []string{"canonical"},
	}})
	require.NoError(t, err)
	assert.False(t, rf.Match(rec))

	rf, err = s.Compile(Query{Combination: &CombinationFilter{Biotypes: []string{"polymorphic_pseudogene"}}})
	require.NoError(t, err)
	assert.False(t, rf.Exact())
	assert.True(t, rf.Match(rec))
}

func TestFilterOnUnindexedField(t *testing.T) {
	s := defaultSchema(t)
	rf, err := s.Compile(Query{Fields: []FieldFilter{{Key: "GQ", Op: OpGT, Value: 20}}})
	require.NoError(t, err)
	assert.False(t, rf.Exact())
	assert.True(t, rf.Match(encodeDecode(t, s, nil, types.SampleData{})))
}

func TestCompileErrors(t *testing.T) {
	s := defaultSchema(t)
	_, err := s.Compile(Query{Fields: []FieldFilter{{Key: "QUAL"}}})
	assert.Error(t, err)
	_, err = s.Compile(Query{Fields: []FieldFilter{{Key: "QUAL", Op: "=="}}})
	assert.Error(t, err)
	_, err = s.Compile(Query{Fields: []FieldFilter{{Key: "FILTER"}}})
	assert.Error(t, err)
}
