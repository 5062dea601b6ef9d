package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/pkg/types"
)

var testVariant = types.Variant{Chromosome: "1", Position: 1000, Reference: "A", Alternate: "C"}

func rec(fileID int, filter, qual string) *types.VariantRecord {
	return &types.VariantRecord{Variant: testVariant, FileID: fileID, Filter: filter, Qual: qual}
}

func fileIDs(records []*types.VariantRecord) []int {
	ids := make([]int, len(records))
	for i, r := range records {
		ids[i] = r.FileID
	}
	return ids
}

func TestSortQualityOrder(t *testing.T) {
	records := []*types.VariantRecord{
		rec(1, "PASS", "100"),
		rec(2, "PASS", "101"),
		rec(3, "PASS", "99"),
		rec(4, "PASS", "."),
	}
	Sort(records)
	assert.Equal(t, []int{2, 1, 3, 4}, fileIDs(records))
}

func TestPassOutranksQuality(t *testing.T) {
	records := []*types.VariantRecord{
		rec(1, "LowQual", "5000"),
		rec(2, "PASS", "."),
		rec(3, "PASS", "10"),
		rec(4, "", "30"),
	}
	Sort(records)
	assert.Equal(t, []int{3, 2, 1, 4}, fileIDs(records))
}

func TestSortIsStable(t *testing.T) {
	records := []*types.VariantRecord{
		rec(1, "PASS", "50"),
		rec(2, "PASS", "50.0"),
		rec(3, "PASS", "abc"),
		rec(4, "PASS", ""),
		rec(5, "PASS", "50"),
	}
	for i := 0; i < 3; i++ {
		Sort(records)
		assert.Equal(t, []int{1, 2, 5, 3, 4}, fileIDs(records))
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b *types.VariantRecord
		want int
	}{
		{"pass wins", rec(1, "PASS", "1"), rec(2, "q10", "99"), -1},
		{"higher quality wins", rec(1, "PASS", "10"), rec(2, "PASS", "20"), 1},
		{"parsed beats unparsed", rec(1, "q10", "."), rec(2, "q10", "0"), 1},
		{"both unparsed", rec(1, "q10", "."), rec(2, "q10", "NaN"), 0},
		{"equal", rec(1, "PASS", "3"), rec(2, "PASS", "3e0"), 0},
		{"negative quality still parsed", rec(1, "PASS", "-1"), rec(2, "PASS", "x"), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestResolve(t *testing.T) {
	records := []*types.VariantRecord{rec(1, "PASS", "30"), rec(2, "PASS", "60")}
	winner, discarded := Resolve(records)
	require.NotNil(t, winner)
	assert.Equal(t, 2, winner.FileID)
	assert.Equal(t, []int{1}, fileIDs(discarded))
	assert.Equal(t, []int{1, 2}, fileIDs(records), "input is not reordered")

	winner, discarded = Resolve(nil)
	assert.Nil(t, winner)
	assert.Nil(t, discarded)
}

func TestResolveAll(t *testing.T) {
	other := types.Variant{Chromosome: "1", Position: 999, Reference: "G", Alternate: "T"}
	records := []*types.VariantRecord{
		rec(1, "PASS", "10"),
		{Variant: other, FileID: 2, Filter: "PASS", Qual: "5"},
		rec(3, "PASS", "20"),
	}
	assert.True(t, Duplicates(records))

	res := ResolveAll(records)
	require.Len(t, res, 2)
	assert.Equal(t, testVariant.Key(), res[0].Key)
	assert.Equal(t, 3, res[0].Winner.FileID)
	assert.Equal(t, []int{1}, fileIDs(res[0].Discarded))
	assert.Equal(t, other.Key(), res[1].Key)
	assert.Empty(t, res[1].Discarded)

	assert.False(t, Duplicates(records[:2]))
}
