package matview

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
)

// fakeClient is a hand-written clickhouse.ClientInterface fake recording
// every query it executes, letting refresh-protocol tests assert on
// ordering and content without a live ClickHouse server.
type fakeClient struct {
	queries      []string
	createStmt   string
	failOn       map[int]error // query index (0-based) -> error to return
	callCount    int
}

func (f *fakeClient) QueryOne(_ context.Context, _ string, dest interface{}) error {
	out := dest.(*struct {
		Statement string `json:"statement"`
	})
	out.Statement = f.createStmt

	return nil
}

func (f *fakeClient) QueryMany(context.Context, string, interface{}) error { return nil }

func (f *fakeClient) Execute(_ context.Context, query string) ([]byte, error) {
	idx := f.callCount
	f.callCount++
	f.queries = append(f.queries, query)

	if err, ok := f.failOn[idx]; ok {
		return nil, err
	}

	return nil, nil
}

func (f *fakeClient) BulkInsert(context.Context, string, interface{}) error { return nil }
func (f *fakeClient) Start() error                                         { return nil }
func (f *fakeClient) Stop() error                                          { return nil }

type fakeStorage struct {
	id    catalog.StorageID
	shape block.Shape
	rows  []block.Block
}

func (s *fakeStorage) ID() catalog.StorageID   { return s.id }
func (s *fakeStorage) Kind() string            { return "fake" }
func (s *fakeStorage) Sink() block.Sink        { return nil }
func (s *fakeStorage) Shape() block.Shape      { return s.shape }
func (s *fakeStorage) Read(context.Context) (block.BlockSource, error) {
	return &sliceSource{blocks: s.rows}, nil
}

type sliceSource struct {
	blocks []block.Block
	pos    int
}

func (s *sliceSource) Next() (block.Block, bool, error) {
	if s.pos >= len(s.blocks) {
		return block.Block{}, false, nil
	}

	b := s.blocks[s.pos]
	s.pos++

	return b, true, nil
}

func (s *sliceSource) Profiling() (block.ProfilingInfo, bool) { return block.ProfilingInfo{}, false }

func newTestController(t *testing.T, targetID catalog.StorageID, viewShape block.Shape) (*Controller, *catalog.Catalog) {
	t.Helper()

	cat := catalog.New()
	sourceID := catalog.StorageID{Database: "db", Table: "source"}
	require.NoError(t, cat.Register(&fakeStorage{id: sourceID}))
	require.NoError(t, cat.Register(&fakeStorage{id: targetID, shape: viewShape}))

	ctrl, err := New(context.Background(), logrus.New(), cat, clickhouse.NewDDL(&fakeClient{}), Config{
		ViewID:    catalog.StorageID{Database: "db", Table: "mv"},
		TargetID:  targetID,
		SourceID:  sourceID,
		SelectSQL: "SELECT * FROM db.source",
		ViewShape: viewShape,
	})
	require.NoError(t, err)

	return ctrl, cat
}

func TestNew_ToExistingTableRegistersDependency(t *testing.T) {
	targetID := catalog.StorageID{Database: "db", Table: "target"}
	shape := block.Shape{{Name: "x", Type: "UInt64"}}

	_, cat := newTestController(t, targetID, shape)

	views := cat.DependentViews(catalog.StorageID{Database: "db", Table: "source"})
	require.Len(t, views, 1)
	assert.Equal(t, targetID, views[0].ID())
}

func TestNew_SelfReferenceRejected(t *testing.T) {
	cat := catalog.New()
	viewID := catalog.StorageID{Database: "db", Table: "mv"}

	_, err := New(context.Background(), logrus.New(), cat, clickhouse.NewDDL(&fakeClient{}), Config{
		ViewID:   viewID,
		TargetID: viewID,
	})
	require.ErrorIs(t, err, ErrSelfReference)
}

func TestController_ReadReconcilesShape(t *testing.T) {
	targetID := catalog.StorageID{Database: "db", Table: "target"}
	targetShape := block.Shape{{Name: "x", Type: "UInt64"}, {Name: "extra", Type: "String"}}
	viewShape := block.Shape{{Name: "x", Type: "UInt64"}}

	cat := catalog.New()
	sourceID := catalog.StorageID{Database: "db", Table: "source"}
	require.NoError(t, cat.Register(&fakeStorage{id: sourceID}))

	target := &fakeStorage{
		id:    targetID,
		shape: targetShape,
		rows: []block.Block{
			block.NewBlock(targetShape, [][]any{{int64(1), int64(2)}, {"a", "b"}}, true, true),
		},
	}
	require.NoError(t, cat.Register(target))

	ctrl, err := New(context.Background(), logrus.New(), cat, clickhouse.NewDDL(&fakeClient{}), Config{
		ViewID:    catalog.StorageID{Database: "db", Table: "mv"},
		TargetID:  targetID,
		SourceID:  sourceID,
		SelectSQL: "SELECT x FROM db.source",
		ViewShape: viewShape,
	})
	require.NoError(t, err)

	src, err := ctrl.Read(context.Background())
	require.NoError(t, err)

	b, ok, err := src.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, viewShape, b.Shape)
	assert.Equal(t, [][]any{{int64(1), int64(2)}}, b.Columns)
}

func TestController_DropRemovesDependency(t *testing.T) {
	targetID := catalog.StorageID{Database: "db", Table: "target"}
	ctrl, cat := newTestController(t, targetID, block.Shape{{Name: "x", Type: "UInt64"}})

	require.NoError(t, ctrl.Drop(context.Background()))

	views := cat.DependentViews(catalog.StorageID{Database: "db", Table: "source"})
	assert.Empty(t, views)
}
