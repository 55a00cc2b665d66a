package fanout

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/catalog"
)

var errFakeWrite = errors.New("fake write error")

type fakeSink struct {
	name        string
	prefixCalls int
	suffixCalls int
	writes      []block.Block
	writeErr    error
}

func (f *fakeSink) SetSampleBlock(_ block.Shape)  {}
func (f *fakeSink) WritePrefix() error             { f.prefixCalls++; return nil }
func (f *fakeSink) WriteSuffix() error             { f.suffixCalls++; return nil }
func (f *fakeSink) Flush() error                   { return nil }
func (f *fakeSink) SetTotals(block.Block) error    { return nil }
func (f *fakeSink) SetExtremes(block.Block) error  { return nil }
func (f *fakeSink) SetRowsBeforeLimit(uint64) error { return nil }

func (f *fakeSink) Write(b block.Block) error {
	if f.writeErr != nil {
		return f.writeErr
	}

	f.writes = append(f.writes, b)

	return nil
}

type fakeStorage struct {
	id   catalog.StorageID
	sink *fakeSink
}

func (f *fakeStorage) ID() catalog.StorageID                             { return f.id }
func (f *fakeStorage) Kind() string                                       { return "fake" }
func (f *fakeStorage) Sink() block.Sink                                   { return f.sink }
func (f *fakeStorage) Read(context.Context) (block.BlockSource, error) { return nil, nil }

func newTestCatalog(t *testing.T) (*catalog.Catalog, map[string]*fakeSink) {
	t.Helper()

	cat := catalog.New()
	sinks := map[string]*fakeSink{}

	mk := func(name string) catalog.StorageID {
		id := catalog.StorageID{Database: "db", Table: name}
		sink := &fakeSink{name: name}
		sinks[name] = sink
		require.NoError(t, cat.Register(&fakeStorage{id: id, sink: sink}))

		return id
	}

	base := mk("base")
	view1 := mk("view1")
	view2 := mk("view2")

	require.NoError(t, cat.AddDependency(base, view1))
	require.NoError(t, cat.AddDependency(base, view2))

	return cat, sinks
}

func TestWriter_FansOutToBaseAndAllViews(t *testing.T) {
	cat, sinks := newTestCatalog(t)
	log := logrus.New()

	w, err := New(log, cat, catalog.StorageID{Database: "db", Table: "base"}, false)
	require.NoError(t, err)

	require.NoError(t, w.WritePrefix())

	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b := block.NewBlock(shape, [][]any{{1}}, true, true)
	require.NoError(t, w.Write(b))
	require.NoError(t, w.WriteSuffix())

	for _, name := range []string{"base", "view1", "view2"} {
		assert.Equal(t, 1, sinks[name].prefixCalls, name)
		assert.Equal(t, 1, sinks[name].suffixCalls, name)
		assert.Len(t, sinks[name].writes, 1, name)
	}
}

func TestWriter_SuppressPrimaryStillWritesViews(t *testing.T) {
	cat, sinks := newTestCatalog(t)
	log := logrus.New()

	w, err := New(log, cat, catalog.StorageID{Database: "db", Table: "base"}, true)
	require.NoError(t, err)

	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b := block.NewBlock(shape, [][]any{{1}}, true, true)
	require.NoError(t, w.Write(b))

	assert.Empty(t, sinks["base"].writes)
	assert.Len(t, sinks["view1"].writes, 1)
}

func TestWriter_ViewFailureStopsLaterViewsButNotPrimaryRollback(t *testing.T) {
	cat, sinks := newTestCatalog(t)
	log := logrus.New()

	sinks["view1"].writeErr = errFakeWrite

	w, err := New(log, cat, catalog.StorageID{Database: "db", Table: "base"}, false)
	require.NoError(t, err)

	shape := block.Shape{{Name: "a", Type: "UInt64"}}
	b := block.NewBlock(shape, [][]any{{1}}, true, true)

	werr := w.Write(b)
	require.Error(t, werr)
	assert.ErrorIs(t, werr, ErrForwardFailed)

	// Primary already wrote; it is not rolled back.
	assert.Len(t, sinks["base"].writes, 1)
}
