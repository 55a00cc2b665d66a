package pipe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivedflow/dflow/pkg/block"
)

var errFakeRead = errors.New("fake read error")

type fakeSource struct {
	blocks    []block.Block
	pos       int
	readErr   error
	profiling block.ProfilingInfo
	hasProf   bool
}

func (f *fakeSource) Next() (block.Block, bool, error) {
	if f.readErr != nil && f.pos == len(f.blocks) {
		return block.Block{}, false, f.readErr
	}

	if f.pos >= len(f.blocks) {
		return block.Block{}, false, nil
	}

	b := f.blocks[f.pos]
	f.pos++

	return b, true, nil
}

func (f *fakeSource) Profiling() (block.ProfilingInfo, bool) {
	return f.profiling, f.hasProf
}

type fakeSink struct {
	sampleCalls  int
	prefixCalls  int
	suffixCalls  int
	writes       []block.Block
	totals       *block.Block
	extremes     *block.Block
	rowsBefore   uint64
	rowsSetCount int
}

func (f *fakeSink) SetSampleBlock(_ block.Shape) { f.sampleCalls++ }
func (f *fakeSink) WritePrefix() error            { f.prefixCalls++; return nil }
func (f *fakeSink) Write(b block.Block) error     { f.writes = append(f.writes, b); return nil }
func (f *fakeSink) WriteSuffix() error            { f.suffixCalls++; return nil }
func (f *fakeSink) Flush() error                  { return nil }

func (f *fakeSink) SetTotals(b block.Block) error {
	f.totals = &b

	return nil
}

func (f *fakeSink) SetExtremes(b block.Block) error {
	f.extremes = &b

	return nil
}

func (f *fakeSink) SetRowsBeforeLimit(n uint64) error {
	f.rowsBefore = n
	f.rowsSetCount++

	return nil
}

func TestCopy_EmptyInputEmitsOnePrefixSuffixPair(t *testing.T) {
	src := &fakeSource{}
	dst := &fakeSink{}

	require.NoError(t, Copy(src, dst, nil))

	assert.Equal(t, 1, dst.prefixCalls)
	assert.Equal(t, 1, dst.suffixCalls)
	assert.Empty(t, dst.writes)
}

func TestCopy_TwoBlockSingleFrame(t *testing.T) {
	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b1 := block.NewBlock(shape, [][]any{{1, 2}}, true, false)
	b2 := block.NewBlock(shape, [][]any{{3, 4, 5}}, false, true)

	src := &fakeSource{blocks: []block.Block{b1, b2}}
	dst := &fakeSink{}

	require.NoError(t, Copy(src, dst, nil))

	assert.Equal(t, 1, dst.sampleCalls)
	assert.Equal(t, 1, dst.prefixCalls)
	assert.Equal(t, 1, dst.suffixCalls)
	require.Len(t, dst.writes, 2)
}

func TestCopy_TwoDisjointFrames(t *testing.T) {
	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b1 := block.NewBlock(shape, [][]any{{1}}, true, true)
	b2 := block.NewBlock(shape, [][]any{{2}}, true, true)

	src := &fakeSource{blocks: []block.Block{b1, b2}}
	dst := &fakeSink{}

	require.NoError(t, Copy(src, dst, nil))

	assert.Equal(t, 2, dst.prefixCalls)
	assert.Equal(t, 2, dst.suffixCalls)
}

func TestCopy_CancelBeforeAnyBlockSkipsSuffix(t *testing.T) {
	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b1 := block.NewBlock(shape, [][]any{{1}}, true, true)

	src := &fakeSource{blocks: []block.Block{b1}}
	dst := &fakeSink{}

	cancel := &CancelFlag{}
	cancel.Set()

	require.NoError(t, Copy(src, dst, cancel))

	// A block was read before the cancel check broke the loop, so this is
	// not the empty-input case: no prefix, no suffix, no write.
	assert.Equal(t, 0, dst.prefixCalls)
	assert.Equal(t, 0, dst.suffixCalls)
	assert.Empty(t, dst.writes)
}

// cancelOnPrefixSink sets its cancel flag as a side effect of WritePrefix,
// simulating cancellation observed strictly after the empty-frame prefix.
type cancelOnPrefixSink struct {
	fakeSink
	cancel *CancelFlag
}

func (s *cancelOnPrefixSink) WritePrefix() error {
	err := s.fakeSink.WritePrefix()
	s.cancel.Set()

	return err
}

func TestCopy_CancelAfterEmptyInputPrefixSuppressesSuffix(t *testing.T) {
	// Open Question (preserved as-is): cancellation observed after the
	// empty-frame prefix still suppresses the suffix.
	src := &fakeSource{}
	cancel := &CancelFlag{}
	dst := &cancelOnPrefixSink{cancel: cancel}

	require.NoError(t, Copy(src, dst, cancel))

	assert.Equal(t, 1, dst.prefixCalls)
	assert.Equal(t, 0, dst.suffixCalls)
}

func TestCopy_PropagatesReadError(t *testing.T) {
	src := &fakeSource{readErr: errFakeRead}
	dst := &fakeSink{}

	err := Copy(src, dst, nil)
	require.ErrorIs(t, err, errFakeRead)
}

func TestCopy_ForwardsProfilingInfo(t *testing.T) {
	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b1 := block.NewBlock(shape, [][]any{{1}}, true, true)
	totals := block.NewBlock(shape, [][]any{{99}}, true, true)

	src := &fakeSource{
		blocks: []block.Block{b1},
		profiling: block.ProfilingInfo{
			HasRowsBeforeLimit: true,
			RowsBeforeLimit:    42,
			Totals:             &totals,
		},
		hasProf: true,
	}
	dst := &fakeSink{}

	require.NoError(t, Copy(src, dst, nil))

	assert.Equal(t, uint64(42), dst.rowsBefore)
	require.NotNil(t, dst.totals)
	assert.Nil(t, dst.extremes)
}
