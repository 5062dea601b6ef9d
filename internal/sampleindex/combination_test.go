package sampleindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/pkg/types"
)

func testCombination(t *testing.T) *CombinationIndex {
	t.Helper()
	ct := mustCodec(t, FieldSpec{Source: SourceAnnotation, Key: KeyConsequenceType, Type: TypeCategoricalMultiValue,
		Values: []string{"missense_variant", "intron_variant", "stop_gained"}})
	bt := mustCodec(t, FieldSpec{Source: SourceAnnotation, Key: KeyBiotype, Type: TypeCategoricalMultiValue,
		Values: []string{"protein_coding", "lincRNA"}})
	tf := mustCodec(t, FieldSpec{Source: SourceAnnotation, Key: KeyTranscriptFlag, Type: TypeCategoricalMultiValue,
		Values: []string{"basic", "canonical"}})

	ci, err := NewCombinationIndex(ct, bt, tf, []Triple{
		{"missense_variant", "protein_coding", "basic"},
		{"missense_variant", "protein_coding", "canonical"},
		{"intron_variant", "protein_coding", "basic"},
		{"intron_variant", "lincRNA", "basic"},
		{"intron_variant", "lincRNA", "canonical"},
		{"stop_gained", "protein_coding", "canonical"},
	})
	require.NoError(t, err)
	return ci
}

func TestCombinationBijective(t *testing.T) {
	ci := testCombination(t)
	require.Equal(t, 6, ci.Len())

	seen := make(map[[3]uint64]bool)
	for id := uint32(1); id <= uint32(ci.Len()); id++ {
		ct, bt, tf, err := ci.Split(id)
		require.NoError(t, err)
		key := [3]uint64{ct, bt, tf}
		assert.False(t, seen[key], "id %d repeats a triple", id)
		seen[key] = true

		back, err := ci.Combine(ct, bt, tf)
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
}

func TestCombinationOrdering(t *testing.T) {
	ci := testCombination(t)

	// ct-major enumeration: missense (1) before intron (2) before stop (3)
	first, err := ci.SplitValues(1)
	require.NoError(t, err)
	assert.Equal(t, Triple{"missense_variant", "protein_coding", "basic"}, first)

	last, err := ci.SplitValues(uint32(ci.Len()))
	require.NoError(t, err)
	assert.Equal(t, Triple{"stop_gained", "protein_coding", "canonical"}, last)
}

func TestCombinationOutsideAllowList(t *testing.T) {
	ci := testCombination(t)

	_, err := ci.CombineValues(Triple{"stop_gained", "lincRNA", "basic"})
	require.Error(t, err)
	assert.True(t, types.IsSchemaError(err))

	_, _, _, err = ci.Split(0)
	assert.True(t, types.IsSchemaError(err))
	_, _, _, err = ci.Split(uint32(ci.Len() + 1))
	assert.True(t, types.IsSchemaError(err))

	_, err = ci.Encode([]Triple{{"stop_gained", "lincRNA", "basic"}})
	assert.True(t, types.IsSchemaError(err))
}

func TestCombinationEncodeSkipsUnknownValues(t *testing.T) {
	ci := testCombination(t)

	mask, err := ci.Encode([]Triple{
		{"missense_variant", "protein_coding", "canonical"},
		{"missense_variant", "polymorphic_pseudogene", "basic"},
		{"intron_variant", "lincRNA", "basic"},
		{"intron_variant", "lincRNA", "basic"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(2), mask.Count())

	triples, err := ci.Decode(mask)
	require.NoError(t, err)
	assert.Equal(t, []Triple{
		{"missense_variant", "protein_coding", "canonical"},
		{"intron_variant", "lincRNA", "basic"},
	}, triples)
}

func TestCombinationMatching(t *testing.T) {
	ci := testCombination(t)

	mask := ci.Matching([]string{"intron_variant"}, nil, []string{"basic"})
	triples, err := ci.Decode(mask)
	require.NoError(t, err)
	assert.Equal(t, []Triple{
		{"intron_variant", "protein_coding", "basic"},
		{"intron_variant", "lincRNA", "basic"},
	}, triples)

	all := ci.Matching(nil, nil, nil)
	assert.Equal(t, uint(ci.Len()), all.Count())
}

func TestCombinationRejectsBadAllowList(t *testing.T) {
	ct := mustCodec(t, FieldSpec{Source: SourceAnnotation, Key: "ct", Type: TypeCategorical, Values: []string{"a"}})
	bt := mustCodec(t, FieldSpec{Source: SourceAnnotation, Key: "bt", Type: TypeCategorical, Values: []string{"b"}})
	tf := mustCodec(t, FieldSpec{Source: SourceAnnotation, Key: "tf", Type: TypeCategorical, Values: []string{"c"}})

	_, err := NewCombinationIndex(ct, bt, tf, nil)
	assert.True(t, types.IsSchemaError(err))

	_, err = NewCombinationIndex(ct, bt, tf, []Triple{{"a", "b", "x"}})
	assert.True(t, types.IsSchemaError(err))

	rng := mustCodec(t, FieldSpec{Source: SourceFile, Key: "QUAL", Type: TypeRangeLT, Thresholds: []float64{1}})
	_, err = NewCombinationIndex(ct, bt, rng, []Triple{{"a", "b", "c"}})
	assert.True(t, types.IsSchemaError(err))
}

func TestDefaultCombinationReachability(t *testing.T) {
	s, err := NewSchema(NewVersions(DefaultConfiguration(), testNow).list[0])
	require.NoError(t, err)
	ci := s.Combination()
	require.NotNil(t, ci)

	_, err = ci.CombineValues(Triple{"missense_variant", "protein_coding", "canonical"})
	assert.NoError(t, err)
	_, err = ci.CombineValues(Triple{"missense_variant", "miRNA", "canonical"})
	assert.True(t, types.IsSchemaError(err), "coding consequence on a non coding biotype is unreachable")
	_, err = ci.CombineValues(Triple{"intron_variant", "miRNA", "basic"})
	assert.NoError(t, err)

	for _, bt := range []string{"nonsense_mediated_decay", "non_stop_decay", "IG_V_gene", "TR_C_gene"} {
		_, err = ci.CombineValues(Triple{"stop_gained", bt, "basic"})
		assert.NoError(t, err, "coding consequence on %s is reachable", bt)
	}
}
