package duck

import (
	"context"
	"fmt"
	"strings"
)

// Column is a column definition in a table created by this package.
type Column struct {
	Name string
	Type string
}

// TableConfig describes a table loaded via CSV.
type TableConfig struct {
	Name    string
	Columns []Column
}

func (c TableConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("columns cannot be empty")
	}
	for _, col := range c.Columns {
		if col.Name == "" || col.Type == "" {
			return fmt.Errorf("invalid column definition %q:%q", col.Name, col.Type)
		}
	}
	return nil
}

func (c TableConfig) columnDefs() string {
	defs := make([]string, 0, len(c.Columns))
	for _, col := range c.Columns {
		defs = append(defs, QuoteIdent(col.Name)+" "+col.Type)
	}
	return strings.Join(defs, ", ")
}

func (c TableConfig) columnList() string {
	names := make([]string, 0, len(c.Columns))
	for _, col := range c.Columns {
		names = append(names, QuoteIdent(col.Name))
	}
	return strings.Join(names, ", ")
}

func (c TableConfig) createIfNotExistsSQL() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(c.Name), c.columnDefs())
}

func (c TableConfig) createOrReplaceSQL() string {
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", QuoteIdent(c.Name), c.columnDefs())
}

// TableExists reports whether table exists in the connected database.
func TableExists(ctx context.Context, conn Connection, table string) (bool, error) {
	var n int
	err := conn.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`, table)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return n > 0, nil
}

// ColumnInfo is a column as reported by the database catalog.
type ColumnInfo struct {
	Name     string `db:"column_name"`
	DataType string `db:"data_type"`
}

// TableColumns returns the columns of table in ordinal order.
func TableColumns(ctx context.Context, conn Connection, table string) ([]ColumnInfo, error) {
	var cols []ColumnInfo
	err := conn.SelectContext(ctx, &cols, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return cols, nil
}

// CountRows returns the number of rows in table.
func CountRows(ctx context.Context, conn Connection, table string) (int64, error) {
	var n int64
	if err := conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+QuoteIdent(table)); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}
