package clickhouse

import (
	"context"
	"fmt"
)

// DDL is the CREATE/RENAME/DROP surface the materialized view controller
// (pkg/matview) needs for its refresh protocol, built on ClientInterface's
// Execute/QueryOne query-string-building idiom.
type DDL struct {
	client ClientInterface
}

// NewDDL wraps a ClientInterface with the DDL helpers below.
func NewDDL(client ClientInterface) *DDL {
	return &DDL{client: client}
}

// GetCreateStatement returns the CREATE TABLE statement ClickHouse would
// replay to reconstruct database.table, via SHOW CREATE TABLE.
func (d *DDL) GetCreateStatement(ctx context.Context, database, table string) (string, error) {
	query := fmt.Sprintf("SHOW CREATE TABLE `%s`.`%s`", database, table)

	var result struct {
		Statement string `json:"statement"`
	}

	if err := d.client.QueryOne(ctx, query, &result); err != nil {
		return "", fmt.Errorf("clickhouse: get create statement for %s.%s: %w", database, table, err)
	}

	return result.Statement, nil
}

// CreateTableLike executes createStatement after rewriting its table name
// to newTable, the way refresh() builds `.tmp<innerName>` from the
// target's own CREATE statement before executing it.
func (d *DDL) CreateTableLike(ctx context.Context, database, newTable, createStatement string) error {
	rewritten, err := rewriteCreateTableName(createStatement, newTable)
	if err != nil {
		return fmt.Errorf("clickhouse: rewrite create statement for %s.%s: %w", database, newTable, err)
	}

	if _, err := d.client.Execute(ctx, rewritten); err != nil {
		return fmt.Errorf("clickhouse: create table %s.%s: %w", database, newTable, err)
	}

	return nil
}

// InsertSelect runs INSERT INTO database.table <selectSQL>, the refresh
// protocol's population step.
func (d *DDL) InsertSelect(ctx context.Context, database, table, selectSQL string) error {
	query := fmt.Sprintf("INSERT INTO `%s`.`%s` %s", database, table, selectSQL)

	if _, err := d.client.Execute(ctx, query); err != nil {
		return fmt.Errorf("clickhouse: insert select into %s.%s: %w", database, table, err)
	}

	return nil
}

// RenameExchange atomically swaps the names of two tables in one
// statement, so a reader never observes a state with neither or both names
// bound — the refresh protocol's step 3.
func (d *DDL) RenameExchange(ctx context.Context, database, tableA, tableB string) error {
	query := fmt.Sprintf(
		"RENAME TABLE `%s`.`%s` TO `%s`.`%s`, `%s`.`%s` TO `%s`.`%s` EXCHANGE",
		database, tableA, database, tableB,
		database, tableB, database, tableA,
	)

	if _, err := d.client.Execute(ctx, query); err != nil {
		return fmt.Errorf("clickhouse: rename exchange %s.%s <-> %s.%s: %w", database, tableA, database, tableB, err)
	}

	return nil
}

// DropTable drops database.table. ifExists suppresses the error when the
// table is already gone, used by refresh's cleanup-on-error path.
func (d *DDL) DropTable(ctx context.Context, database, table string, ifExists bool) error {
	clause := ""
	if ifExists {
		clause = "IF EXISTS "
	}

	query := fmt.Sprintf("DROP TABLE %s`%s`.`%s`", clause, database, table)

	if _, err := d.client.Execute(ctx, query); err != nil {
		return fmt.Errorf("clickhouse: drop table %s.%s: %w", database, table, err)
	}

	return nil
}

// RenameTable renames oldName to newName within database, a plain
// (non-exchange) rename used when a materialized view with an inner table
// is itself renamed.
func (d *DDL) RenameTable(ctx context.Context, database, oldName, newName string) error {
	query := fmt.Sprintf("RENAME TABLE `%s`.`%s` TO `%s`.`%s`", database, oldName, database, newName)

	if _, err := d.client.Execute(ctx, query); err != nil {
		return fmt.Errorf("clickhouse: rename table %s.%s to %s: %w", database, oldName, newName, err)
	}

	return nil
}

// Execute runs an arbitrary DDL statement, used for inner-table creation
// where the engine clause is caller-supplied rather than copied from an
// existing table.
func (d *DDL) Execute(ctx context.Context, stmt string) error {
	if _, err := d.client.Execute(ctx, stmt); err != nil {
		return fmt.Errorf("clickhouse: execute: %w", err)
	}

	return nil
}

// TruncateTable truncates database.table in place.
func (d *DDL) TruncateTable(ctx context.Context, database, table string) error {
	query := fmt.Sprintf("TRUNCATE TABLE `%s`.`%s`", database, table)

	if _, err := d.client.Execute(ctx, query); err != nil {
		return fmt.Errorf("clickhouse: truncate table %s.%s: %w", database, table, err)
	}

	return nil
}

// rewriteCreateTableName replaces the table name immediately following
// CREATE TABLE (and its optional database qualifier) in stmt with newTable,
// the Go analogue of mutating ASTCreateQuery.table before re-stringifying
// it in the original's refresh().
func rewriteCreateTableName(stmt, newTable string) (string, error) {
	const marker = "CREATE TABLE "

	idx := indexCaseInsensitive(stmt, marker)
	if idx < 0 {
		return "", fmt.Errorf("statement does not start with %q", marker)
	}

	head := stmt[:idx+len(marker)]
	rest := stmt[idx+len(marker):]

	end := 0
	for end < len(rest) && rest[end] != ' ' && rest[end] != '(' {
		end++
	}

	return head + "`" + newTable + "`" + rest[end:], nil
}

func indexCaseInsensitive(haystack, needle string) int {
	if len(needle) > len(haystack) {
		return -1
	}

	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalFoldASCII(haystack[i:i+len(needle)], needle) {
			return i
		}
	}

	return -1
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		ca, cb := a[i], b[i]

		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}

		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}
