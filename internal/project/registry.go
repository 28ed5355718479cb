package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/malbeclabs/tripflow/internal/duck"
)

const (
	VerticesTable  = "vertices"
	MovementsTable = "movements"

	fileExt = ".db"
)

var (
	ErrInvalidName = errors.New("invalid project name")
	ErrNotFound    = errors.New("project not found")

	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateName rejects names that are empty or could resolve outside the projects directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

type RegistryConfig struct {
	Logger *slog.Logger
	Dir    string
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("projects directory is required")
	}
	return nil
}

// Registry maps project names to store files under a directory. It holds at most one open
// handle per project and hands out scoped connections on it.
type Registry struct {
	log *slog.Logger
	cfg RegistryConfig

	mu  sync.Mutex
	dbs map[string]duck.DB
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Registry{
		log: cfg.Logger,
		cfg: cfg,
		dbs: make(map[string]duck.DB),
	}, nil
}

func (r *Registry) Dir() string {
	return r.cfg.Dir
}

// Path is the store file for the named project.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.cfg.Dir, name+fileExt)
}

// List returns the names of all projects in the directory, sorted. A missing directory has no
// projects.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read projects directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Ready reports whether the projects directory can be listed.
func (r *Registry) Ready() error {
	_, err := r.List()
	return err
}

// Conn returns a scoped connection to an existing project. The caller must close it.
func (r *Registry) Conn(ctx context.Context, name string) (duck.Connection, error) {
	db, err := r.handle(ctx, name, false)
	if err != nil {
		return nil, err
	}
	return db.Conn(ctx)
}

// ConnOrCreate is Conn, creating the project store if it does not exist yet.
func (r *Registry) ConnOrCreate(ctx context.Context, name string) (duck.Connection, error) {
	db, err := r.handle(ctx, name, true)
	if err != nil {
		return nil, err
	}
	return db.Conn(ctx)
}

func (r *Registry) handle(ctx context.Context, name string, create bool) (duck.DB, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[name]; ok {
		return db, nil
	}

	path := r.Path(name)
	if create {
		if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create projects directory: %w", err)
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to stat project %s: %w", name, err)
	}

	db, err := duck.NewDB(ctx, path, r.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open project %s: %w", name, err)
	}
	r.log.Debug("project: store opened", "project", name, "path", path, "created", create)
	r.dbs[name] = db
	return db, nil
}

// Close closes every open project store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close project %s: %w", name, err))
		}
		delete(r.dbs, name)
	}
	return errors.Join(errs...)
}
