package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrUnsupportedScheme = errors.New("unsupported source scheme")

type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	// S3 overrides the settings used for s3:// sources. When nil they are read from the
	// environment on first use.
	S3 *S3Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return nil
}

// Opener opens input locations (local paths, http(s) URLs and s3:// objects) as decompressed
// byte streams.
type Opener struct {
	log *slog.Logger
	cfg Config

	s3Mu sync.Mutex
	s3   *s3.Client
}

func NewOpener(cfg Config) (*Opener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Opener{log: cfg.Logger, cfg: cfg}, nil
}

// Open returns the decoded contents at location. The caller must close the returned reader.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	raw, err := o.openRaw(ctx, location)
	if err != nil {
		return nil, err
	}
	rc, codec, err := Decompress(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to decode %s: %w", location, err)
	}
	o.log.Debug("source: opened", "location", location, "codec", codec)
	return &stackedReadCloser{ReadCloser: rc, under: raw}, nil
}

func (o *Opener) openRaw(ctx context.Context, location string) (io.ReadCloser, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, including Windows drive letters.
		return openFile(location)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return o.openHTTP(ctx, location)
	case "s3":
		return o.openS3(ctx, u)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func (o *Opener) openHTTP(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", location, err)
	}
	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", location, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", location, resp.Status)
	}
	return resp.Body, nil
}

func (o *Opener) s3Client(ctx context.Context) (*s3.Client, error) {
	o.s3Mu.Lock()
	defer o.s3Mu.Unlock()

	if o.s3 != nil {
		return o.s3, nil
	}
	cfg := o.cfg.S3
	if cfg == nil {
		var err error
		cfg, err = LoadS3ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
		}
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	o.s3 = client
	return client, nil
}

// stackedReadCloser closes the decoder and then the stream underneath it.
type stackedReadCloser struct {
	io.ReadCloser
	under io.Closer
}

func (s *stackedReadCloser) Close() error {
	return errors.Join(s.ReadCloser.Close(), s.under.Close())
}
