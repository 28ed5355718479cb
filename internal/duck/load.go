package duck

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type LoadMode int

const (
	// LoadAppend creates the table if it is missing and appends rows to it.
	LoadAppend LoadMode = iota
	// LoadReplace drops any existing table and loads rows into a fresh one.
	LoadReplace
)

func (m LoadMode) String() string {
	switch m {
	case LoadAppend:
		return "append"
	case LoadReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// TableLoad is one table's worth of rows to bulk load. WriteRow is called Count times with
// the row index and must write exactly one record per call.
type TableLoad struct {
	Table    TableConfig
	Mode     LoadMode
	Count    int
	WriteRow func(w *csv.Writer, i int) error
}

// LoadTablesViaCSV writes every load to a temporary CSV file and then applies them with
// COPY FROM inside a single transaction, so either all tables change or none do.
func LoadTablesViaCSV(ctx context.Context, log *slog.Logger, conn Connection, loads ...TableLoad) error {
	for _, l := range loads {
		if err := l.Table.Validate(); err != nil {
			return fmt.Errorf("invalid table config: %w", err)
		}
	}

	files := make([]string, len(loads))
	defer func() {
		for _, f := range files {
			if f != "" {
				os.Remove(f)
			}
		}
	}()
	for i, l := range loads {
		path, err := writeTempCSV(ctx, log, l)
		if err != nil {
			return err
		}
		files[i] = path
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled before transaction: %w", ctx.Err())
	default:
	}

	txStart := time.Now()
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, l := range loads {
		var ddl string
		switch l.Mode {
		case LoadReplace:
			ddl = l.Table.createOrReplaceSQL()
		default:
			ddl = l.Table.createIfNotExistsSQL()
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to prepare table %s: %w", l.Table.Name, err)
		}
		if l.Count == 0 {
			continue
		}

		copyStart := time.Now()
		copySQL := fmt.Sprintf("COPY %s (%s) FROM %s (FORMAT CSV, HEADER false)",
			QuoteIdent(l.Table.Name), l.Table.columnList(), quoteLiteral(files[i]))
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to COPY FROM CSV for %s: %w", l.Table.Name, err)
		}
		log.Debug("duck: COPY FROM completed", "table", l.Table.Name, "mode", l.Mode.String(), "rows", l.Count, "duration", time.Since(copyStart).String())
	}

	if err := tx.Commit(); err != nil {
		log.Error("duck: transaction commit failed", "error", err, "tx_duration", time.Since(txStart).String())
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Debug("duck: transaction committed", "tables", len(loads), "tx_duration", time.Since(txStart).String())
	return nil
}

func writeTempCSV(ctx context.Context, log *slog.Logger, l TableLoad) (string, error) {
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_*.csv", safeFilePart(l.Table.Name)))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmpFile.Name()
	defer tmpFile.Close()

	w := csv.NewWriter(tmpFile)
	writeStart := time.Now()
	logInterval := min(max(l.Count/10, 1000), 100000)

	for i := range l.Count {
		select {
		case <-ctx.Done():
			os.Remove(path)
			return "", fmt.Errorf("context cancelled while writing CSV for %s: %w", l.Table.Name, ctx.Err())
		default:
		}

		if err := l.WriteRow(w, i); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to write CSV record for %s: %w", l.Table.Name, err)
		}
		if (i+1)%logInterval == 0 || i == l.Count-1 {
			log.Debug("duck: write progress", "table", l.Table.Name, "written", i+1, "total", l.Count)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("CSV writer error: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	log.Debug("duck: CSV file written", "table", l.Table.Name, "duration_ms", time.Since(writeStart).Milliseconds(), "file_size_mb", float64(fileSize(tmpFile))/1024/1024)
	return path, nil
}

func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func safeFilePart(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

// CSVFile is a CSV file on local disk, with a header row, to be loaded verbatim.
type CSVFile struct {
	Table string
	Path  string
}

// ErrInvalidCSV marks a CSV file the store could not read into a table.
var ErrInvalidCSV = errors.New("invalid csv")

// ReplaceTablesFromCSV creates or replaces each table from its CSV file, letting the store
// detect column types. All tables are replaced in a single transaction.
func ReplaceTablesFromCSV(ctx context.Context, log *slog.Logger, conn Connection, files ...CSVFile) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range files {
		start := time.Now()
		q := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv(%s, header = true, auto_detect = true)",
			QuoteIdent(f.Table), quoteLiteral(f.Path))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: failed to load %s: %w", ErrInvalidCSV, f.Table, err)
		}
		log.Debug("duck: table replaced from csv", "table", f.Table, "duration", time.Since(start).String())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
