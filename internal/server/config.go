package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/malbeclabs/tripflow/internal/query"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxUploadBytes    = 512 << 20
	defaultProject           = "citibike"
)

type QueryService interface {
	ListProjects() ([]string, error)
	ListColumns(ctx context.Context, project string) ([]string, error)
	ListVertices(ctx context.Context, project string) (string, error)
	Traffic(ctx context.Context, project string, filters map[string]string) (string, error)
	RawQuery(ctx context.Context, project, sql string) (*query.Result, error)
}

type Uploader interface {
	Upload(ctx context.Context, project string, movements, vertices io.Reader) error
}

type ReadinessChecker interface {
	Ready() error
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string
	Query      QueryService
	Uploader   Uploader
	Readiness  ReadinessChecker

	// Optional.
	EnableSQL   bool
	StaticDir   string
	CORSOrigins []string

	// Optional with defaults.
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxUploadBytes    int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.Query == nil {
		return errors.New("query service is required")
	}
	if c.Uploader == nil {
		return errors.New("uploader is required")
	}
	if c.Readiness == nil {
		return errors.New("readiness checker is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.MaxUploadBytes < 0 {
		return errors.New("max upload bytes must be > 0")
	}
	return nil
}
