package query

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Result is a fully read result set with every value rendered as text.
type Result struct {
	Columns []string
	Rows    [][]string
}

// FormatValue renders a scanned column value as CSV text. NULL is empty.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.DateTime)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// readResult reads every row. A non-empty lead names a column that is moved to the front and
// must be present.
func readResult(rows *sqlx.Rows, lead string) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	order := make([]int, 0, len(cols))
	if lead != "" {
		for i, c := range cols {
			if c == lead {
				order = append(order, i)
			}
		}
		if len(order) == 0 {
			return nil, fmt.Errorf("result has no %q column", lead)
		}
	}
	for i, c := range cols {
		if lead == "" || c != lead {
			order = append(order, i)
		}
	}

	res := &Result{Columns: make([]string, len(order)), Rows: [][]string{}}
	for i, idx := range order {
		res.Columns[i] = cols[idx]
	}

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		record := make([]string, len(order))
		for i, idx := range order {
			record[i] = FormatValue(values[idx])
		}
		res.Rows = append(res.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return res, nil
}

// CSV renders the result with a header row.
func (r *Result) CSV() (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(r.Columns); err != nil {
		return "", err
	}
	if err := w.WriteAll(r.Rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}
