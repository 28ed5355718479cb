package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tripflow/internal/ingest"
)

func TestFormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 5, 7, 8, 9, 123_456_789, time.FixedZone("EST", -5*3600))
	require.Equal(t, "2024-03-05T12:08:09.123Z", formatRFC3339Millis(ts))
	require.Equal(t, "2024-03-05T12:08:09.000Z", formatRFC3339Millis(ts.Truncate(time.Second)))
}

func TestPrintReport(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printReport(&buf, &ingest.Report{
		Project: "citibike",
		Files: []ingest.FileReport{
			{Location: "a.csv", Status: ingest.FileIngested, Vertices: 2, Movements: 10},
			{Location: "b.csv", Status: ingest.FileSkipped, Error: "malformed input"},
		},
		Indexes:  []string{"to_index"},
		Started:  started,
		Finished: started.Add(1500 * time.Millisecond),
	})

	out := buf.String()
	require.Contains(t, out, "a.csv")
	require.Contains(t, out, "skipped")
	require.Contains(t, out, "malformed input")
	require.Contains(t, out, "project citibike: 10 movements from 2 files in 1.5s")
	require.Contains(t, out, "created indexes: [to_index]")
}

func writeTrips(t *testing.T, dir string) string {
	t.Helper()
	header := "tripduration,starttime,stoptime,start station id,start station name," +
		"start station latitude,start station longitude,end station id,end station name," +
		"end station latitude,end station longitude,bikeid,usertype,birth year,gender"
	rows := []string{
		header,
		"600,2019-01-01 09:15:00,2019-01-01 09:25:00,1,A,40.5,-73.9,2,B,40.6,-74,100,Subscriber,1980,1",
		"300,2019-01-01 10:30:00,2019-01-01 10:35:00,2,B,40.6,-74,1,A,40.5,-73.9,101,Customer,,2",
	}
	path := filepath.Join(dir, "trips.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0o644))
	return path
}

func TestCommands(t *testing.T) {
	t.Setenv("TRIPFLOW_PROJECTS_DIR", "")

	dir := t.TempDir()
	projectsDir := filepath.Join(dir, "projects")
	trips := writeTrips(t, dir)

	run := func(args ...string) (string, error) {
		cmd := NewRootCmd(BuildInfo{Version: "test"})
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append(args, "--projects-dir", projectsDir))
		err := cmd.Execute()
		return out.String(), err
	}

	t.Run("ingest", func(t *testing.T) {
		out, err := run("ingest", "--project", "rides", trips)
		require.NoError(t, err)
		require.Contains(t, out, "project rides: 2 movements from 1 files")
	})

	t.Run("query csv", func(t *testing.T) {
		out, err := run("query", "--project", "rides", "--csv", `SELECT count(*) AS n FROM movements`)
		require.NoError(t, err)
		require.Equal(t, "n\n2\n", out)
	})

	t.Run("query table", func(t *testing.T) {
		out, err := run("query", "--project", "rides", `SELECT "from", "to" FROM movements ORDER BY hour`)
		require.NoError(t, err)
		require.Contains(t, out, "(2 rows)")
	})

	t.Run("projects", func(t *testing.T) {
		out, err := run("projects")
		require.NoError(t, err)
		require.Contains(t, out, "rides")
		require.Contains(t, out, "bikeid")
	})

	t.Run("ingest requires project", func(t *testing.T) {
		_, err := run("ingest", trips)
		require.Error(t, err)
	})
}
