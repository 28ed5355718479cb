package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/huandu/go-sqlbuilder"

	"github.com/malbeclabs/tripflow/internal/duck"
	"github.com/malbeclabs/tripflow/internal/project"
)

var (
	ErrUnknownColumn = errors.New("unknown column")
	ErrInvalidFilter = errors.New("invalid filter value")
)

const destinationColumn = "to"

// convertFilter parses a filter value into the Go type matching the column's SQL type, so the
// comparison happens in the column's own domain.
func convertFilter(column, dataType, value string) (any, error) {
	typ := strings.ToUpper(dataType)
	if i := strings.IndexByte(typ, '('); i >= 0 {
		typ = typ[:i]
	}
	var (
		out any
		err error
	)
	switch typ {
	case "FLOAT", "REAL", "FLOAT4":
		var f float64
		f, err = strconv.ParseFloat(value, 32)
		out = float32(f)
	case "DOUBLE", "FLOAT8", "DECIMAL", "NUMERIC":
		out, err = strconv.ParseFloat(value, 64)
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT", "INT", "INT4", "INT8":
		out, err = strconv.ParseInt(value, 10, 64)
	case "UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT":
		out, err = strconv.ParseUint(value, 10, 64)
	case "BOOLEAN", "BOOL":
		out, err = strconv.ParseBool(value)
	default:
		out = value
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q is not a valid %s", ErrInvalidFilter, column, value, dataType)
	}
	return out, nil
}

// buildTrafficQuery counts movements per destination, restricted to rows equal to every filter.
func buildTrafficQuery(filters map[string]any) (string, []any) {
	to := duck.QuoteIdent(destinationColumn)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(to, "COUNT(*)").From(duck.QuoteIdent(project.MovementsTable))

	cols := make([]string, 0, len(filters))
	for c := range filters {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		sb.Where(sb.Equal(duck.QuoteIdent(c), filters[c]))
	}

	sb.GroupBy(to).OrderBy(to).Asc()
	return sb.Build()
}

// traffic runs the per-destination count on conn and renders "id,count" lines.
func traffic(ctx context.Context, conn duck.Connection, filters map[string]string) (string, error) {
	cols, err := duck.TableColumns(ctx, conn, project.MovementsTable)
	if err != nil {
		return "", err
	}
	types := make(map[string]string, len(cols))
	for _, c := range cols {
		types[c.Name] = c.DataType
	}

	converted := make(map[string]any, len(filters))
	for name, value := range filters {
		dataType, ok := types[name]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		v, err := convertFilter(name, dataType, value)
		if err != nil {
			return "", err
		}
		converted[name] = v
	}

	q, args := buildTrafficQuery(converted)
	rows, err := conn.QueryxContext(ctx, q, args...)
	if err != nil {
		return "", fmt.Errorf("failed to query traffic: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var (
			id    any
			count int64
		)
		if err := rows.Scan(&id, &count); err != nil {
			return "", fmt.Errorf("failed to scan traffic row: %w", err)
		}
		lines = append(lines, FormatValue(id)+","+strconv.FormatInt(count, 10))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read traffic rows: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}
