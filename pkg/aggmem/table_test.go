package aggmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivedflow/dflow/pkg/block"
)

var sourceShape = block.Shape{
	{Name: "region", Type: "String"},
	{Name: "amount", Type: "Float64"},
}

func newGroupedTable(t *testing.T, emptyResultForEmptySet bool) *Table {
	t.Helper()

	cfg := Config{
		SourceShape: sourceShape,
		Keys:        []string{"region"},
		Aggregates: []Spec{
			{Name: "total", Func: SumFunc{}, Column: "amount"},
			{Name: "n", Func: CountFunc{}, Column: "amount"},
		},
		EmptyResultForAggregationByEmptySet: emptyResultForEmptySet,
	}

	tbl, err := New(cfg, sourceShape)
	require.NoError(t, err)

	return tbl
}

func writeRows(t *testing.T, tbl *Table, regions []string, amounts []float64) {
	t.Helper()

	cols := [][]any{
		toAny(regions),
		toAnyFloat(amounts),
	}

	require.NoError(t, tbl.Write(block.NewBlock(sourceShape, cols, true, true)))
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}

	return out
}

func toAnyFloat(fs []float64) []any {
	out := make([]any, len(fs))
	for i, f := range fs {
		out[i] = f
	}

	return out
}

func TestTable_GroupedWriteThenRead(t *testing.T) {
	tbl := newGroupedTable(t, true)

	writeRows(t, tbl, []string{"eu", "us", "eu"}, []float64{10, 5, 20})
	writeRows(t, tbl, []string{"us"}, []float64{1})

	result, err := tbl.Read()
	require.NoError(t, err)
	require.Equal(t, 2, result.Rows)

	totals := map[string]float64{}
	counts := map[string]int64{}

	for i := 0; i < result.Rows; i++ {
		region := result.Columns[0][i].(string)
		totals[region] = result.Columns[1][i].(float64)
		counts[region] = result.Columns[2][i].(int64)
	}

	assert.Equal(t, 30.0, totals["eu"])
	assert.Equal(t, int64(2), counts["eu"])
	assert.Equal(t, 6.0, totals["us"])
	assert.Equal(t, int64(2), counts["us"])
}

func TestTable_ShapeMismatchRejected(t *testing.T) {
	tbl := newGroupedTable(t, true)

	badShape := block.Shape{{Name: "region", Type: "String"}}
	err := tbl.Write(block.NewBlock(badShape, [][]any{{"eu"}}, true, true))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTable_KeylessSeedsEmptyAggregateWhenNotSuppressed(t *testing.T) {
	cfg := Config{
		SourceShape: sourceShape,
		Aggregates: []Spec{
			{Name: "n", Func: CountFunc{}, Column: "amount"},
		},
		EmptyResultForAggregationByEmptySet: false,
	}

	tbl, err := New(cfg, sourceShape)
	require.NoError(t, err)

	result, err := tbl.Read()
	require.NoError(t, err)
	require.Equal(t, 1, result.Rows)
	assert.Equal(t, int64(0), result.Columns[0][0].(int64))
}

func TestTable_KeylessSuppressedSeedLeavesNoRowsUntouched(t *testing.T) {
	cfg := Config{
		SourceShape: sourceShape,
		Aggregates: []Spec{
			{Name: "n", Func: CountFunc{}, Column: "amount"},
		},
		EmptyResultForAggregationByEmptySet: true,
	}

	tbl, err := New(cfg, sourceShape)
	require.NoError(t, err)

	result, err := tbl.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Rows)
}

func TestTable_DropClearsState(t *testing.T) {
	tbl := newGroupedTable(t, true)
	writeRows(t, tbl, []string{"eu"}, []float64{10})

	result, err := tbl.Read()
	require.NoError(t, err)
	require.Equal(t, 1, result.Rows)

	tbl.Drop()

	result, err = tbl.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Rows)
}

func TestTable_BeforeAggregationTransformIsApplied(t *testing.T) {
	cfg := Config{
		SourceShape: sourceShape,
		Keys:        []string{"region"},
		Aggregates: []Spec{
			{Name: "total", Func: SumFunc{}, Column: "doubled"},
		},
		BeforeAggregation: func(b block.Block) (block.Block, error) {
			doubled := make([]any, b.Rows)
			for i, v := range b.Columns[1] {
				doubled[i] = v.(float64) * 2
			}

			shape := block.Shape{{Name: "region", Type: "String"}, {Name: "doubled", Type: "Float64"}}

			return block.NewBlock(shape, [][]any{b.Columns[0], doubled}, b.IsStartFrame, b.IsEndFrame), nil
		},
	}

	aggInputShape := block.Shape{{Name: "region", Type: "String"}, {Name: "doubled", Type: "Float64"}}

	tbl, err := New(cfg, aggInputShape)
	require.NoError(t, err)

	writeRows(t, tbl, []string{"eu"}, []float64{10})

	result, err := tbl.Read()
	require.NoError(t, err)
	require.Equal(t, 1, result.Rows)
	assert.Equal(t, 20.0, result.Columns[1][0])
}

func TestTable_FinalProjectionAppliedOnRead(t *testing.T) {
	cfg := Config{
		SourceShape: sourceShape,
		Keys:        []string{"region"},
		Aggregates: []Spec{
			{Name: "total", Func: SumFunc{}, Column: "amount"},
		},
		FinalProjection: func(b block.Block) (block.Block, error) {
			b.Shape = append(block.Shape{}, b.Shape...)
			b.Shape[1].Name = "total_renamed"

			return b, nil
		},
	}

	tbl, err := New(cfg, sourceShape)
	require.NoError(t, err)

	writeRows(t, tbl, []string{"eu"}, []float64{10})

	result, err := tbl.Read()
	require.NoError(t, err)
	assert.Equal(t, "total_renamed", result.Shape[1].Name)
}
