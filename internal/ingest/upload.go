package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/malbeclabs/tripflow/internal/duck"
	"github.com/malbeclabs/tripflow/internal/project"
	"github.com/malbeclabs/tripflow/internal/source"
)

var (
	ErrInvalidUploadHeader = errors.New("invalid upload header")
	// ErrInvalidUpload marks an upload part that could not be decoded or loaded.
	ErrInvalidUpload = errors.New("invalid upload")
)

// Upload replaces the project's movements and vertices tables with the given CSV files, column
// types detected by the store. The movements file may be compressed. Its first two columns
// must be named "to" and "from". Nothing is normalized, deduplicated or indexed.
func (p *Pipeline) Upload(ctx context.Context, projectName string, movements, vertices io.Reader) error {
	if err := project.ValidateName(projectName); err != nil {
		return err
	}

	movementsPath, err := spool(movements, "movements")
	if err != nil {
		return err
	}
	defer os.Remove(movementsPath)

	if err := checkMovementsHeader(movementsPath); err != nil {
		return err
	}

	verticesPath, err := spool(vertices, "vertices")
	if err != nil {
		return err
	}
	defer os.Remove(verticesPath)

	conn, err := p.cfg.Registry.ConnOrCreate(ctx, projectName)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = duck.ReplaceTablesFromCSV(ctx, p.log, conn,
		duck.CSVFile{Table: project.MovementsTable, Path: movementsPath},
		duck.CSVFile{Table: project.VerticesTable, Path: verticesPath},
	)
	if errors.Is(err, duck.ErrInvalidCSV) {
		return fmt.Errorf("%w: %w", ErrInvalidUpload, err)
	}
	if err != nil {
		return fmt.Errorf("failed to load upload into %s: %w", projectName, err)
	}

	p.log.Info("ingest: upload loaded", "project", projectName)
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(projectName)
	}
	return nil
}

// spool decodes r into a temporary file and returns its path. Failures reading or decoding r
// are ErrInvalidUpload.
func spool(r io.Reader, name string) (string, error) {
	rc, _, err := source.Decompress(r)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode %s: %w", ErrInvalidUpload, name, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "upload_"+name+"_*.csv")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	src := &trackedReader{r: rc}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		if src.err != nil {
			return "", fmt.Errorf("%w: failed to read %s: %w", ErrInvalidUpload, name, err)
		}
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Name(), nil
}

// trackedReader remembers the last read error so it can be told apart from write errors.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func checkMovementsHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open movements: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return fmt.Errorf("%w: failed to read movements header: %w", ErrInvalidUploadHeader, err)
	}
	if len(header) < 2 || header[0] != ColumnTo || header[1] != ColumnFrom {
		return fmt.Errorf("%w: movements must start with columns %q and %q", ErrInvalidUploadHeader, ColumnTo, ColumnFrom)
	}
	return nil
}
