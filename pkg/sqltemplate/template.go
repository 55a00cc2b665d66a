// Package sqltemplate renders the SELECT statements behind a materialized
// view or a dictionary's Source with Sprig-extended Go templates, so a
// view definition can reference the cluster name, its own storage
// identity, or its source table without hardcoding them.
package sqltemplate

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/clickhouse"
)

// Engine renders SQL text through Go's text/template with Sprig's function
// set added.
type Engine struct {
	funcMap template.FuncMap
}

// NewEngine creates a template engine with Sprig functions available.
func NewEngine() *Engine {
	return &Engine{funcMap: sprig.TxtFuncMap()}
}

// Render executes a named template against the given variables.
func (e *Engine) Render(name, content string, variables map[string]any) (string, error) {
	tmpl, err := template.New(name).Funcs(e.funcMap).Option("missingkey=error").Parse(content)
	if err != nil {
		return "", fmt.Errorf("sqltemplate: parse %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("sqltemplate: execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// ViewVariables builds the variable set exposed to a materialized view's
// SELECT template: {{.cluster}}, {{.self.database}}/{{.self.table}}, and
// {{.source.database}}/{{.source.table}} when the view has a single
// resolvable source table.
func ViewVariables(chCfg *clickhouse.Config, self, source catalog.StorageID) map[string]any {
	vars := map[string]any{
		"cluster": chCfg.Cluster,
		"self": map[string]any{
			"database": self.Database,
			"table":    self.Table,
		},
	}

	if source.Table != "" {
		vars["source"] = map[string]any{
			"database": source.Database,
			"table":    source.Table,
		}
	} else {
		vars["source"] = map[string]any{"database": "", "table": ""}
	}

	return vars
}

// DictionaryVariables builds the variable set exposed to a dictionary's
// Source template: {{.cluster}} and {{.self.name}}.
func DictionaryVariables(chCfg *clickhouse.Config, name string) map[string]any {
	return map[string]any{
		"cluster": chCfg.Cluster,
		"self":    map[string]any{"name": name},
	}
}

// RenderView renders a materialized view's SelectSQL template.
func (e *Engine) RenderView(chCfg *clickhouse.Config, self, source catalog.StorageID, selectSQL string) (string, error) {
	return e.Render(self.String(), selectSQL, ViewVariables(chCfg, self, source))
}

// RenderDictionarySource renders a dictionary's Source template.
func (e *Engine) RenderDictionarySource(chCfg *clickhouse.Config, name, source string) (string, error) {
	return e.Render(name, source, DictionaryVariables(chCfg, name))
}
