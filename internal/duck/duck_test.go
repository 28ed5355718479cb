package duck

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConn(t *testing.T) Connection {
	t.Helper()
	ctx := context.Background()

	db, err := NewDB(ctx, filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

var peopleTable = TableConfig{
	Name: "people",
	Columns: []Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "full name", Type: "VARCHAR"},
	},
}

func peopleLoad(mode LoadMode, names ...string) TableLoad {
	return TableLoad{
		Table: peopleTable,
		Mode:  mode,
		Count: len(names),
		WriteRow: func(w *csv.Writer, i int) error {
			return w.Write([]string{fmt.Sprintf("%d", i+1), names[i]})
		},
	}
}

func TestLoadTablesViaCSV(t *testing.T) {
	t.Parallel()

	t.Run("append creates table and accumulates rows", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		conn := testConn(t)

		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice", "Bob")))
		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice", "Bob")))

		n, err := CountRows(ctx, conn, "people")
		require.NoError(t, err)
		require.Equal(t, int64(4), n)

		var name string
		require.NoError(t, conn.GetContext(ctx, &name, `SELECT "full name" FROM people WHERE id = 2 LIMIT 1`))
		require.Equal(t, "Bob", name)
	})

	t.Run("replace discards previous rows", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		conn := testConn(t)

		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadReplace, "Alice", "Bob", "Carol")))
		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadReplace, "Dave")))

		n, err := CountRows(ctx, conn, "people")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})

	t.Run("replace with zero rows leaves an empty table", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		conn := testConn(t)

		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice")))
		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadReplace)))

		n, err := CountRows(ctx, conn, "people")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("row writer failure leaves every table untouched", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		conn := testConn(t)

		require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice")))

		failing := TableLoad{
			Table: TableConfig{Name: "other", Columns: []Column{{Name: "x", Type: "INTEGER"}}},
			Mode:  LoadAppend,
			Count: 3,
			WriteRow: func(w *csv.Writer, i int) error {
				if i == 2 {
					return errors.New("boom")
				}
				return w.Write([]string{"1"})
			},
		}
		err := LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Bob"), failing)
		require.ErrorContains(t, err, "boom")

		n, err := CountRows(ctx, conn, "people")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		exists, err := TableExists(ctx, conn, "other")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("rejects invalid table config", func(t *testing.T) {
		t.Parallel()
		conn := testConn(t)

		err := LoadTablesViaCSV(context.Background(), testLogger(), conn, TableLoad{Table: TableConfig{Name: "t"}})
		require.ErrorContains(t, err, "columns cannot be empty")
	})

	t.Run("cancelled context aborts before writing", func(t *testing.T) {
		t.Parallel()
		conn := testConn(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice"))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestTableColumns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := testConn(t)

	require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice")))

	cols, err := TableColumns(ctx, conn, "people")
	require.NoError(t, err)
	require.Equal(t, []ColumnInfo{{Name: "id", DataType: "INTEGER"}, {Name: "full name", DataType: "VARCHAR"}}, cols)

	_, err = TableColumns(ctx, conn, "missing")
	require.ErrorContains(t, err, "does not exist")
}

func TestCreateIndexes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := testConn(t)

	require.NoError(t, LoadTablesViaCSV(ctx, testLogger(), conn, peopleLoad(LoadAppend, "Alice")))

	created := CreateIndexes(ctx, testLogger(), conn, "people", []string{"id", "full name", "nope"})
	require.Equal(t, []string{"id_index", "full_name_index"}, created)

	// Second attempt finds every index already present.
	created = CreateIndexes(ctx, testLogger(), conn, "people", []string{"id", "full name"})
	require.Empty(t, created)
}

func TestReplaceTablesFromCSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := testConn(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "m.csv")
	require.NoError(t, os.WriteFile(path, []byte("to,from,weight\n1,2,0.5\n2,1,1.5\n"), 0o644))

	require.NoError(t, ReplaceTablesFromCSV(ctx, testLogger(), conn, CSVFile{Table: "m", Path: path}))
	require.NoError(t, ReplaceTablesFromCSV(ctx, testLogger(), conn, CSVFile{Table: "m", Path: path}))

	n, err := CountRows(ctx, conn, "m")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	cols, err := TableColumns(ctx, conn, "m")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	require.Equal(t, "to", cols[0].Name)
	require.Equal(t, "DOUBLE", cols[2].DataType)

	err = ReplaceTablesFromCSV(ctx, testLogger(), conn, CSVFile{Table: "m", Path: filepath.Join(dir, "missing.csv")})
	require.ErrorIs(t, err, ErrInvalidCSV)
	n, err = CountRows(ctx, conn, "m")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestQuoteIdent(t *testing.T) {
	t.Parallel()
	require.Equal(t, `"from"`, QuoteIdent("from"))
	require.Equal(t, `"birth year"`, QuoteIdent("birth year"))
	require.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
	require.Equal(t, "birth_year_index", IndexName("birth year"))
}
