package sqltemplate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
)

func TestEngine_Render_SimpleVariables(t *testing.T) {
	engine := NewEngine()

	out, err := engine.Render("t", "SELECT * FROM {{.database}}.{{.table}}", map[string]any{
		"database": "mydb",
		"table":    "mytable",
	})

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM mydb.mytable", out)
}

func TestEngine_Render_SprigFunctions(t *testing.T) {
	engine := NewEngine()

	out, err := engine.Render("t", "SELECT * FROM {{.table | upper}}", map[string]any{
		"table": "events",
	})

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM EVENTS", out)
}

func TestEngine_Render_MissingKeyErrors(t *testing.T) {
	engine := NewEngine()

	_, err := engine.Render("t", "SELECT * FROM {{.nope}}", map[string]any{})

	assert.Error(t, err)
}

func TestEngine_RenderView(t *testing.T) {
	engine := NewEngine()
	chCfg := &clickhouse.Config{Cluster: "prod"}

	self := catalog.StorageID{Database: "analytics", Table: "hourly_counts"}
	source := catalog.StorageID{Database: "raw", Table: "events"}

	out, err := engine.RenderView(chCfg, self, source,
		"SELECT count() FROM {{.source.database}}.{{.source.table}} ON CLUSTER '{{.cluster}}'")

	require.NoError(t, err)
	assert.Equal(t, "SELECT count() FROM raw.events ON CLUSTER 'prod'", out)
}

func TestEngine_RenderView_NoSource(t *testing.T) {
	engine := NewEngine()
	chCfg := &clickhouse.Config{}

	self := catalog.StorageID{Database: "analytics", Table: "constant_view"}

	out, err := engine.RenderView(chCfg, self, catalog.StorageID{}, "SELECT 1 AS one, '{{.self.table}}' AS view")

	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 AS one, 'constant_view' AS view", out)
}

func TestEngine_RenderDictionarySource(t *testing.T) {
	engine := NewEngine()
	chCfg := &clickhouse.Config{Cluster: "prod"}

	out, err := engine.RenderDictionarySource(chCfg, "countries",
		"SELECT code, name FROM dictionaries.{{.self.name}} ON CLUSTER '{{.cluster}}'")

	require.NoError(t, err)
	assert.Equal(t, "SELECT code, name FROM dictionaries.countries ON CLUSTER 'prod'", out)
}
