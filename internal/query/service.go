package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/tripflow/internal/duck"
	"github.com/malbeclabs/tripflow/internal/project"
)

// ErrQueryFailed marks caller supplied SQL that the store rejected.
var ErrQueryFailed = errors.New("query failed")

const defaultTrafficCacheSize = 1024

type Config struct {
	Logger   *slog.Logger
	Registry *project.Registry

	// Optional with defaults. A zero TTL keeps entries until evicted or invalidated.
	TrafficCacheSize int
	TrafficCacheTTL  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.TrafficCacheSize == 0 {
		cfg.TrafficCacheSize = defaultTrafficCacheSize
	}
	if cfg.TrafficCacheSize < 0 {
		return errors.New("traffic cache size must be > 0")
	}
	if cfg.TrafficCacheTTL < 0 {
		return errors.New("traffic cache ttl must be >= 0")
	}
	return nil
}

// Service answers the read queries behind the visualization endpoints.
type Service struct {
	log      *slog.Logger
	cfg      Config
	registry *project.Registry
	traffic  *trafficCache
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Service{
		log:      cfg.Logger,
		cfg:      cfg,
		registry: cfg.Registry,
		traffic:  newTrafficCache(uint64(cfg.TrafficCacheSize), cfg.TrafficCacheTTL),
	}, nil
}

// Close stops the cache's expiry loop.
func (s *Service) Close() {
	s.traffic.stop()
}

func (s *Service) withConn(ctx context.Context, name string, fn func(conn duck.Connection) error) error {
	conn, err := s.registry.Conn(ctx, name)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func (s *Service) ListProjects() ([]string, error) {
	return s.registry.List()
}

// ListColumns returns the movements table's column names in table order without reading rows.
func (s *Service) ListColumns(ctx context.Context, name string) ([]string, error) {
	var cols []string
	err := s.withConn(ctx, name, func(conn duck.Connection) error {
		rows, err := conn.QueryxContext(ctx, "SELECT * FROM "+duck.QuoteIdent(project.MovementsTable)+" LIMIT 0")
		if err != nil {
			return fmt.Errorf("failed to query movements: %w", err)
		}
		defer rows.Close()
		cols, err = rows.Columns()
		if err != nil {
			return fmt.Errorf("failed to get columns: %w", err)
		}
		return nil
	})
	return cols, err
}

// ListVertices returns the vertices table as CSV, id first.
func (s *Service) ListVertices(ctx context.Context, name string) (string, error) {
	var out string
	err := s.withConn(ctx, name, func(conn duck.Connection) error {
		rows, err := conn.QueryxContext(ctx, "SELECT * FROM "+duck.QuoteIdent(project.VerticesTable))
		if err != nil {
			return fmt.Errorf("failed to query vertices: %w", err)
		}
		defer rows.Close()
		res, err := readResult(rows, "id")
		if err != nil {
			return err
		}
		out, err = res.CSV()
		return err
	})
	return out, err
}

// Traffic counts movements per destination among rows matching every filter exactly, one
// "id,count" line per destination ordered by id. Results are cached per project and filter set
// until the project is invalidated, so writes made behind the service's back are not seen.
func (s *Service) Traffic(ctx context.Context, name string, filters map[string]string) (string, error) {
	if err := project.ValidateName(name); err != nil {
		return "", err
	}
	key := trafficCacheKey(name, filters)
	if out, ok := s.traffic.get(key); ok {
		return out, nil
	}

	var out string
	err := s.withConn(ctx, name, func(conn duck.Connection) error {
		var err error
		out, err = traffic(ctx, conn, filters)
		return err
	})
	if err != nil {
		return "", err
	}
	s.traffic.set(key, out)
	return out, nil
}

// RawQuery runs caller SQL against the project and returns the full result set.
func (s *Service) RawQuery(ctx context.Context, name, sql string) (*Result, error) {
	var res *Result
	err := s.withConn(ctx, name, func(conn duck.Connection) error {
		rows, err := conn.QueryxContext(ctx, sql)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrQueryFailed, err)
		}
		defer rows.Close()
		res, err = readResult(rows, "")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrQueryFailed, err)
		}
		return nil
	})
	return res, err
}

// Invalidate drops every cached result for the project.
func (s *Service) Invalidate(name string) {
	n := s.traffic.invalidate(name)
	s.log.Debug("query: traffic cache invalidated", "project", name, "entries", n)
}
