package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// IndexName is the name used for the index on column.
func IndexName(column string) string {
	return strings.ReplaceAll(column, " ", "_") + "_index"
}

// CreateIndexes creates one index per column on table and returns the names of the indexes
// that were created. Each index is attempted on its own; a failure (typically because the index
// already exists) is logged and does not stop the remaining ones.
func CreateIndexes(ctx context.Context, log *slog.Logger, conn Connection, table string, columns []string) []string {
	var created []string
	for _, col := range columns {
		name := IndexName(col)
		q := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", QuoteIdent(name), QuoteIdent(table), QuoteIdent(col))
		if _, err := conn.ExecContext(ctx, q); err != nil {
			log.Debug("duck: index not created", "table", table, "index", name, "error", err)
			continue
		}
		log.Debug("duck: index created", "table", table, "index", name)
		created = append(created, name)
	}
	return created
}
