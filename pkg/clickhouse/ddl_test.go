package clickhouse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a hand-written ClientInterface fake recording every query
// string it was asked to run, letting DDL tests assert on exact statements
// without a live server.
type fakeClient struct {
	queries    []string
	queryOneFn func(query string, dest interface{}) error
	execErr    error
}

func (f *fakeClient) QueryOne(_ context.Context, query string, dest interface{}) error {
	f.queries = append(f.queries, query)

	if f.queryOneFn != nil {
		return f.queryOneFn(query, dest)
	}

	return nil
}

func (f *fakeClient) QueryMany(context.Context, string, interface{}) error { return nil }

func (f *fakeClient) Execute(_ context.Context, query string) ([]byte, error) {
	f.queries = append(f.queries, query)

	return nil, f.execErr
}

func (f *fakeClient) BulkInsert(context.Context, string, interface{}) error { return nil }
func (f *fakeClient) Start() error                                         { return nil }
func (f *fakeClient) Stop() error                                          { return nil }

func TestDDL_GetCreateStatement(t *testing.T) {
	fc := &fakeClient{
		queryOneFn: func(_ string, dest interface{}) error {
			return json.Unmarshal([]byte(`{"statement":"CREATE TABLE db.mv (x UInt64) ENGINE = MergeTree ORDER BY x"}`), dest)
		},
	}

	ddl := NewDDL(fc)

	stmt, err := ddl.GetCreateStatement(context.Background(), "db", "mv")
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE db.mv (x UInt64) ENGINE = MergeTree ORDER BY x", stmt)
	assert.Contains(t, fc.queries[0], "SHOW CREATE TABLE")
}

func TestDDL_CreateTableLikeRewritesName(t *testing.T) {
	fc := &fakeClient{}
	ddl := NewDDL(fc)

	create := "CREATE TABLE db.mv (x UInt64) ENGINE = MergeTree ORDER BY x"
	require.NoError(t, ddl.CreateTableLike(context.Background(), "db", ".tmp.inner_id.abc", create))

	assert.Equal(t, "CREATE TABLE `.tmp.inner_id.abc` (x UInt64) ENGINE = MergeTree ORDER BY x", fc.queries[0])
}

func TestDDL_RenameExchangeBuildsExchangeStatement(t *testing.T) {
	fc := &fakeClient{}
	ddl := NewDDL(fc)

	require.NoError(t, ddl.RenameExchange(context.Background(), "db", "tmp_mv", "mv"))
	assert.Contains(t, fc.queries[0], "EXCHANGE")
	assert.Contains(t, fc.queries[0], "`db`.`tmp_mv` TO `db`.`mv`")
	assert.Contains(t, fc.queries[0], "`db`.`mv` TO `db`.`tmp_mv`")
}

func TestDDL_DropTableIfExists(t *testing.T) {
	fc := &fakeClient{}
	ddl := NewDDL(fc)

	require.NoError(t, ddl.DropTable(context.Background(), "db", "tmp_mv", true))
	assert.Contains(t, fc.queries[0], "DROP TABLE IF EXISTS")
}

func TestRewriteCreateTableName_NoMarkerErrors(t *testing.T) {
	_, err := rewriteCreateTableName("SELECT 1", "x")
	assert.Error(t, err)
}
