package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tripflow/internal/duck"
	"github.com/malbeclabs/tripflow/internal/metrics"
	"github.com/malbeclabs/tripflow/internal/project"
)

type memOpener struct {
	files map[string]string
	// broken locations deliver half their content and then fail.
	broken map[string]bool
}

func (o *memOpener) Open(_ context.Context, location string) (io.ReadCloser, error) {
	data, ok := o.files[location]
	if !ok {
		return nil, fmt.Errorf("failed to open %s: %w", location, os.ErrNotExist)
	}
	if o.broken[location] {
		r := io.MultiReader(strings.NewReader(data[:len(data)/2]), iotest.ErrReader(errors.New("connection reset by peer")))
		return io.NopCloser(r), nil
	}
	return io.NopCloser(bytes.NewReader([]byte(data))), nil
}

type testEnv struct {
	opener   *memOpener
	registry *project.Registry
	pipeline *Pipeline
	clock    *clockwork.FakeClock
	changed  []string
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	registry, err := project.NewRegistry(project.RegistryConfig{Logger: log, Dir: filepath.Join(t.TempDir(), "projects")})
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	env := &testEnv{
		opener:   &memOpener{files: files},
		registry: registry,
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	var mu sync.Mutex
	env.pipeline, err = New(Config{
		Logger:   log,
		Clock:    env.clock,
		Registry: registry,
		Opener:   env.opener,
		OnChange: func(p string) {
			mu.Lock()
			defer mu.Unlock()
			env.changed = append(env.changed, p)
		},
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) conn(t *testing.T, name string) duck.Connection {
	t.Helper()
	conn, err := e.registry.Conn(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type vertexRow struct {
	ID   float32 `db:"id"`
	Name string  `db:"name"`
}

func vertices(t *testing.T, conn duck.Connection) []vertexRow {
	t.Helper()
	var rows []vertexRow
	require.NoError(t, conn.SelectContext(context.Background(), &rows, `SELECT id, name FROM vertices ORDER BY id, name`))
	return rows
}

func TestPipeline_Ingest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("two trips", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, map[string]string{"trips.csv": citibikeCSV(twoTrips...)})

		report, err := env.pipeline.Ingest(ctx, "citibike", []string{"trips.csv"})
		require.NoError(t, err)
		require.Equal(t, []FileReport{{Location: "trips.csv", Status: FileIngested, Vertices: 2, Movements: 2}}, report.Files)
		require.Equal(t, []string{"to_index", "from_index", "hour_index", "bikeid_index", "gender_index", "birth_year_index"}, report.Indexes)
		require.Equal(t, env.clock.Now(), report.Started)
		require.Equal(t, env.clock.Now(), report.Finished)
		require.Equal(t, []string{"citibike"}, env.changed)

		conn := env.conn(t, "citibike")
		require.Equal(t, []vertexRow{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}}, vertices(t, conn))

		var hours []int
		require.NoError(t, conn.SelectContext(ctx, &hours, `SELECT hour FROM movements ORDER BY hour`))
		require.Equal(t, []int{9, 10}, hours)

		var nullBirthYears int
		require.NoError(t, conn.GetContext(ctx, &nullBirthYears, `SELECT COUNT(*) FROM movements WHERE "birth year" IS NULL`))
		require.Equal(t, 1, nullBirthYears)
	})

	t.Run("re-ingest duplicates movements but not vertices", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, map[string]string{"trips.csv": citibikeCSV(twoTrips...)})

		_, err := env.pipeline.Ingest(ctx, "citibike", []string{"trips.csv"})
		require.NoError(t, err)
		report, err := env.pipeline.Ingest(ctx, "citibike", []string{"trips.csv"})
		require.NoError(t, err)
		require.Empty(t, report.Indexes)

		conn := env.conn(t, "citibike")
		require.Equal(t, []vertexRow{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}}, vertices(t, conn))
		n, err := duck.CountRows(ctx, conn, project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, int64(4), n)
	})

	t.Run("malformed file is skipped", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, map[string]string{
			"bad.csv":  citibikeHeader + "\n1,2,3\n",
			"good.csv": citibikeCSV(twoTrips...),
		})
		skipped := metrics.IngestFilesTotal.WithLabelValues(string(FileSkipped))
		skippedBefore := testutil.ToFloat64(skipped)

		report, err := env.pipeline.Ingest(ctx, "citibike", []string{"bad.csv", "good.csv"})
		require.NoError(t, err)
		require.GreaterOrEqual(t, testutil.ToFloat64(skipped), skippedBefore+1)
		require.Len(t, report.Files, 2)
		require.Equal(t, FileSkipped, report.Files[0].Status)
		require.Contains(t, report.Files[0].Error, "malformed")
		require.Equal(t, FileIngested, report.Files[1].Status)
		require.Equal(t, 2, report.Movements())

		n, err := duck.CountRows(ctx, env.conn(t, "citibike"), project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
	})

	t.Run("vertices come from the last well formed file", func(t *testing.T) {
		t.Parallel()
		files := map[string]string{}
		var locations []string
		for i := range 5 {
			name := fmt.Sprintf("trips-%d.csv", i)
			files[name] = citibikeCSV(trip{
				start: "2013-06-01 09:15:00", fromID: fmt.Sprint(10 + i), fromName: fmt.Sprintf("S%d", i),
				toID: fmt.Sprint(20 + i), toName: fmt.Sprintf("T%d", i), bikeID: "1", birthYear: "1980",
			})
			locations = append(locations, name)
		}
		files["trips-4.csv"] = "garbage"
		env := newTestEnv(t, files)

		report, err := env.pipeline.Ingest(ctx, "citibike", locations)
		require.NoError(t, err)
		require.Len(t, report.Files, 5)
		for i, f := range report.Files {
			require.Equal(t, locations[i], f.Location)
		}

		conn := env.conn(t, "citibike")
		require.Equal(t, []vertexRow{{ID: 13, Name: "S3"}, {ID: 23, Name: "T3"}}, vertices(t, conn))
		n, err := duck.CountRows(ctx, conn, project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, int64(4), n)
	})

	t.Run("unopenable input aborts the batch", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, map[string]string{"good.csv": citibikeCSV(twoTrips...)})

		report, err := env.pipeline.Ingest(ctx, "citibike", []string{"good.csv", "missing.csv", "good.csv"})
		require.ErrorIs(t, err, os.ErrNotExist)
		require.Len(t, report.Files, 1)
		require.Empty(t, env.changed)

		n, err := duck.CountRows(ctx, env.conn(t, "citibike"), project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
	})

	t.Run("read failure mid stream aborts the batch", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, map[string]string{
			"good.csv":   citibikeCSV(twoTrips...),
			"broken.csv": citibikeCSV(twoTrips...),
		})
		env.opener.broken = map[string]bool{"broken.csv": true}

		report, err := env.pipeline.Ingest(ctx, "citibike", []string{"good.csv", "broken.csv"})
		require.ErrorContains(t, err, "connection reset by peer")
		require.NotErrorIs(t, err, ErrMalformed)
		require.Len(t, report.Files, 1)
		require.Equal(t, FileIngested, report.Files[0].Status)
		require.Empty(t, env.changed)
	})

	t.Run("invalid project name", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, err := env.pipeline.Ingest(ctx, "../x", []string{"a.csv"})
		require.ErrorIs(t, err, project.ErrInvalidName)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	registry, err := project.NewRegistry(project.RegistryConfig{Logger: slog.Default(), Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = New(Config{Registry: registry, Opener: &memOpener{}})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: slog.Default(), Opener: &memOpener{}})
	require.ErrorContains(t, err, "registry is required")

	_, err = New(Config{Logger: slog.Default(), Registry: registry, Opener: &memOpener{}, Parallelism: -1})
	require.ErrorContains(t, err, "parallelism")

	bad := CitibikeSchema()
	bad.Timestamp = "nope"
	_, err = New(Config{Logger: slog.Default(), Registry: registry, Opener: &memOpener{}, Schema: &bad})
	require.ErrorContains(t, err, "invalid schema")

	p, err := New(Config{Logger: slog.Default(), Registry: registry, Opener: &memOpener{}})
	require.NoError(t, err)
	require.Equal(t, defaultParallelism, p.cfg.Parallelism)
	require.NotNil(t, p.cfg.Clock)
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestPipeline_Upload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	const movementsCSV = "to,from,carrier,delay\n2,1,AA,5\n1,2,BA,\n1,2,AA,7\n"
	const verticesCSV = "id,name,latitude,longitude\n1,LHR,51.47,-0.45\n2,JFK,40.64,-73.78\n"

	t.Run("replaces both tables", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)

		require.NoError(t, env.pipeline.Upload(ctx, "flights", bytes.NewReader(gzipped(t, movementsCSV)), bytes.NewBufferString(verticesCSV)))
		require.NoError(t, env.pipeline.Upload(ctx, "flights", bytes.NewReader(gzipped(t, movementsCSV)), bytes.NewBufferString(verticesCSV)))
		require.Equal(t, []string{"flights", "flights"}, env.changed)

		conn := env.conn(t, "flights")
		n, err := duck.CountRows(ctx, conn, project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		cols, err := duck.TableColumns(ctx, conn, project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, "to", cols[0].Name)
		require.Equal(t, "carrier", cols[2].Name)

		n, err = duck.CountRows(ctx, conn, project.VerticesTable)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
	})

	t.Run("uncompressed movements are accepted", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		require.NoError(t, env.pipeline.Upload(ctx, "flights", bytes.NewBufferString(movementsCSV), bytes.NewBufferString(verticesCSV)))
	})

	t.Run("rejects header not starting with to and from", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)

		for _, header := range []string{"from,to,x\n1,2,3\n", "To,From\n1,2\n", "to\n1\n", ""} {
			err := env.pipeline.Upload(ctx, "flights", bytes.NewReader(gzipped(t, header)), bytes.NewBufferString(verticesCSV))
			require.ErrorIs(t, err, ErrInvalidUploadHeader, header)
		}
		names, err := env.registry.List()
		require.NoError(t, err)
		require.Empty(t, names)
		require.Empty(t, env.changed)
	})

	t.Run("rejects invalid project name", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		err := env.pipeline.Upload(ctx, "a/b", bytes.NewBufferString(movementsCSV), bytes.NewBufferString(verticesCSV))
		require.ErrorIs(t, err, project.ErrInvalidName)
	})

	t.Run("truncated compressed movements", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)

		gz := gzipped(t, movementsCSV)
		err := env.pipeline.Upload(ctx, "flights", bytes.NewReader(gz[:len(gz)/2]), bytes.NewBufferString(verticesCSV))
		require.ErrorIs(t, err, ErrInvalidUpload)
		names, err := env.registry.List()
		require.NoError(t, err)
		require.Empty(t, names)
	})

	t.Run("broken vertices leave existing tables", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		require.NoError(t, env.pipeline.Upload(ctx, "flights", bytes.NewBufferString(movementsCSV), bytes.NewBufferString(verticesCSV)))

		err := env.pipeline.Upload(ctx, "flights", bytes.NewBufferString("to,from\n9,9\n"), errReader{})
		require.ErrorIs(t, err, ErrInvalidUpload)

		n, err := duck.CountRows(ctx, env.conn(t, "flights"), project.MovementsTable)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)
	})
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
