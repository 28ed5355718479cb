package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/tripflow/internal/duck"
	"github.com/malbeclabs/tripflow/internal/metrics"
	"github.com/malbeclabs/tripflow/internal/project"
)

const defaultParallelism = 2

// Opener opens an input location as a decoded byte stream.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *project.Registry
	Opener   Opener

	// Optional with defaults.
	Schema      *Schema
	Parallelism int

	// OnChange, if set, is called with the project name after its tables were written.
	OnChange func(project string)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Opener == nil {
		return errors.New("opener is required")
	}
	if c.Schema == nil {
		s := CitibikeSchema()
		c.Schema = &s
	}
	if err := c.Schema.Validate(); err != nil {
		return err
	}
	if c.Parallelism == 0 {
		c.Parallelism = defaultParallelism
	}
	if c.Parallelism < 0 {
		return errors.New("parallelism must be > 0")
	}
	return nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

type FileStatus string

const (
	FileIngested FileStatus = "ingested"
	FileSkipped  FileStatus = "skipped"
)

type FileReport struct {
	Location  string
	Status    FileStatus
	Error     string
	Vertices  int
	Movements int
}

type Report struct {
	Project  string
	Files    []FileReport
	Indexes  []string
	Started  time.Time
	Finished time.Time
}

// Movements is the number of movement rows appended across the batch.
func (r *Report) Movements() int {
	var n int
	for _, f := range r.Files {
		n += f.Movements
	}
	return n
}

type parsedFile struct {
	location string
	file     *File
	err      error
}

// Ingest parses locations and writes each well-formed file to the project in argument order:
// the file's vertices replace the vertices table and its movements are appended. Malformed files
// are skipped. Indexes are created once after the batch. Failing to open or read an input, or to
// write the store, aborts the run; the returned report covers the files handled so far.
func (p *Pipeline) Ingest(ctx context.Context, projectName string, locations []string) (*Report, error) {
	report := &Report{Project: projectName, Started: p.cfg.Clock.Now().UTC()}
	finish := func() { report.Finished = p.cfg.Clock.Now().UTC() }

	conn, err := p.cfg.Registry.ConnOrCreate(ctx, projectName)
	if err != nil {
		finish()
		return report, err
	}
	defer conn.Close()

	p.log.Info("ingest: batch started", "project", projectName, "files", len(locations), "parallelism", p.cfg.Parallelism)

	pool := pond.NewResultPool[*parsedFile](p.cfg.Parallelism, pond.WithContext(ctx))
	defer pool.StopAndWait()

	// Parsed files are held in memory until written, so only a window of them runs ahead of
	// the writer.
	window := p.cfg.Parallelism
	pending := make([]pond.Result[*parsedFile], 0, window)
	next := 0
	submit := func() {
		location := locations[next]
		pending = append(pending, pool.SubmitErr(func() (*parsedFile, error) {
			return p.parse(ctx, location)
		}))
		next++
	}
	for next < len(locations) && len(pending) < window {
		submit()
	}

	changed := false
	for len(pending) > 0 {
		parsed, err := pending[0].Wait()
		pending = pending[1:]
		if err != nil {
			finish()
			return report, err
		}
		if next < len(locations) {
			submit()
		}

		if parsed.err != nil {
			p.log.Warn("ingest: skipping malformed file", "project", projectName, "location", parsed.location, "error", parsed.err)
			metrics.IngestFilesTotal.WithLabelValues(string(FileSkipped)).Inc()
			report.Files = append(report.Files, FileReport{Location: parsed.location, Status: FileSkipped, Error: parsed.err.Error()})
			continue
		}

		if err := p.write(ctx, conn, parsed.file); err != nil {
			finish()
			return report, fmt.Errorf("failed to write %s: %w", parsed.location, err)
		}
		changed = true
		metrics.IngestFilesTotal.WithLabelValues(string(FileIngested)).Inc()
		metrics.IngestMovementsTotal.Add(float64(len(parsed.file.Movements)))
		report.Files = append(report.Files, FileReport{
			Location:  parsed.location,
			Status:    FileIngested,
			Vertices:  len(parsed.file.Vertices),
			Movements: len(parsed.file.Movements),
		})
		p.log.Info("ingest: file written", "project", projectName, "location", parsed.location,
			"vertices", len(parsed.file.Vertices), "movements", len(parsed.file.Movements))
	}

	report.Indexes = duck.CreateIndexes(ctx, p.log, conn, project.MovementsTable, p.cfg.Schema.IndexColumns())
	finish()

	if changed && p.cfg.OnChange != nil {
		p.cfg.OnChange(projectName)
	}
	p.log.Info("ingest: batch completed", "project", projectName, "files", len(report.Files),
		"movements", report.Movements(), "duration", report.Finished.Sub(report.Started).String())
	return report, nil
}

// parse returns an error when the location cannot be opened or read. Malformed content is
// carried in the result so the file can be skipped.
func (p *Pipeline) parse(ctx context.Context, location string) (*parsedFile, error) {
	rc, err := p.cfg.Opener.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer rc.Close()

	file, err := Parse(rc, *p.cfg.Schema)
	if err != nil && !errors.Is(err, ErrMalformed) {
		return nil, fmt.Errorf("failed to ingest %s: %w", location, err)
	}
	return &parsedFile{location: location, file: file, err: err}, nil
}

func (p *Pipeline) write(ctx context.Context, conn duck.Connection, f *File) error {
	vertices := duck.TableLoad{
		Table: VerticesTable(),
		Mode:  duck.LoadReplace,
		Count: len(f.Vertices),
		WriteRow: func(w *csv.Writer, i int) error {
			v := f.Vertices[i]
			return w.Write([]string{
				formatID(v.ID),
				v.Name,
				strconv.FormatFloat(v.Latitude, 'g', -1, 64),
				strconv.FormatFloat(v.Longitude, 'g', -1, 64),
			})
		},
	}

	record := make([]string, 0, 4+len(p.cfg.Schema.Attributes))
	movements := duck.TableLoad{
		Table: p.cfg.Schema.MovementsTable(),
		Mode:  duck.LoadAppend,
		Count: len(f.Movements),
		WriteRow: func(w *csv.Writer, i int) error {
			m := f.Movements[i]
			record = append(record[:0], formatID(m.From), formatID(m.To), strconv.Itoa(m.Hour), strconv.Itoa(m.Minute))
			record = append(record, m.Attributes...)
			return w.Write(record)
		},
	}

	return duck.LoadTablesViaCSV(ctx, p.log, conn, vertices, movements)
}

func formatID(id float32) string {
	return strconv.FormatFloat(float64(id), 'g', -1, 32)
}
