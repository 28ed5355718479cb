package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"
)

// DB is a handle on a single DuckDB database file. Work happens on scoped connections
// obtained from Conn, which callers must close.
type DB interface {
	Path() string
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is a scoped connection to a DuckDB database. *sqlx.Conn satisfies it.
type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	Close() error
}

type duckDB struct {
	path string
	log  *slog.Logger
	db   *sqlx.DB
}

// NewDB opens (creating if needed) the DuckDB database at dbPath. An empty path opens an
// in-memory database.
func NewDB(ctx context.Context, dbPath string, log *slog.Logger) (*duckDB, error) {
	db, err := sqlx.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %q: %w", dbPath, err)
	}

	log.Debug("duck: database opened", "path", dbPath)

	return &duckDB{
		path: dbPath,
		log:  log,
		db:   db,
	}, nil
}

func (d *duckDB) Path() string {
	return d.path
}

func (d *duckDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

func (d *duckDB) Close() error {
	d.log.Debug("duck: closing database", "path", d.path)
	return d.db.Close()
}

// QuoteIdent quotes name for use as a table or column identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral quotes s as a SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
