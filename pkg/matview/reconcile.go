package matview

import "github.com/derivedflow/dflow/pkg/block"

// reconcile wraps src so every block it yields is projected onto the
// intersection of declared and actual column names, in declared order —
// the Go analogue of removeNonCommonColumns applied in both directions
// before the converting-actions step in StorageMaterializedView::read.
func reconcile(declared, actual block.Shape, src block.BlockSource) block.BlockSource {
	actualPos := make(map[string]int, len(actual))
	for i, c := range actual {
		actualPos[c.Name] = i
	}

	var common []int // positions into actual, ordered as they appear in declared

	var shape block.Shape

	for _, c := range declared {
		if pos, ok := actualPos[c.Name]; ok {
			common = append(common, pos)
			shape = append(shape, actual[pos])
		}
	}

	if len(common) == len(actual) && len(common) == len(declared) {
		return src // shapes already agree, nothing to project
	}

	return &reconcilingSource{src: src, positions: common, shape: shape}
}

type reconcilingSource struct {
	src       block.BlockSource
	positions []int
	shape     block.Shape
}

func (r *reconcilingSource) Next() (block.Block, bool, error) {
	b, ok, err := r.src.Next()
	if !ok || err != nil {
		return block.Block{}, ok, err
	}

	cols := make([][]any, len(r.positions))
	for i, pos := range r.positions {
		cols[i] = b.Columns[pos]
	}

	return block.NewBlock(r.shape, cols, b.IsStartFrame, b.IsEndFrame), true, nil
}

func (r *reconcilingSource) Profiling() (block.ProfilingInfo, bool) {
	return r.src.Profiling()
}

var _ block.BlockSource = (*reconcilingSource)(nil)
