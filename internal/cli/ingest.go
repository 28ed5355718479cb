package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/tripflow/internal/config"
	"github.com/malbeclabs/tripflow/internal/ingest"
	"github.com/malbeclabs/tripflow/internal/project"
	"github.com/malbeclabs/tripflow/internal/source"
)

type IngestCmd struct{}

func NewIngestCmd() *IngestCmd {
	return &IngestCmd{}
}

func (c *IngestCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest --project <name> <location>...",
		Short: "Ingest trip CSV files into a project",
		Long: "Ingest trip CSV files into a project. Locations may be local paths, file://, http(s):// " +
			"or s3:// URLs, optionally compressed with gzip, bzip2, zstd or lz4.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Verbose)

			projectName, err := cmd.Flags().GetString("project")
			if err != nil {
				return fmt.Errorf("failed to get project flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			registry, err := newRegistry(log, cfg)
			if err != nil {
				return err
			}
			defer registry.Close()

			pipeline, err := newPipeline(log, cfg, registry, nil)
			if err != nil {
				return err
			}

			report, err := pipeline.Ingest(ctx, projectName, args)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().String("project", "", "project to ingest into")
	cmd.Flags().String("schema", "", "path to a YAML column layout (defaults to the citibike layout)")
	cmd.Flags().Int("parallelism", 2, "number of files parsed concurrently")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// newPipeline wires an ingest pipeline to the source opener, using the configured column
// layout when one is set.
func newPipeline(log *slog.Logger, cfg config.Config, registry *project.Registry, onChange func(string)) (*ingest.Pipeline, error) {
	s3Cfg, err := source.LoadS3ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	opener, err := source.NewOpener(source.Config{
		Logger: log,
		S3:     s3Cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source opener: %w", err)
	}

	var schema *ingest.Schema
	if cfg.Ingest.Schema != "" {
		s, err := ingest.LoadSchema(cfg.Ingest.Schema)
		if err != nil {
			return nil, err
		}
		schema = &s
	}

	pipeline, err := ingest.New(ingest.Config{
		Logger:      log,
		Clock:       clockwork.NewRealClock(),
		Registry:    registry,
		Opener:      opener,
		Schema:      schema,
		Parallelism: cfg.Ingest.Parallelism,
		OnChange:    onChange,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest pipeline: %w", err)
	}
	return pipeline, nil
}

func printReport(w io.Writer, report *ingest.Report) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Location", "Status", "Vertices", "Movements", "Error"})
	for _, f := range report.Files {
		table.Append([]string{
			f.Location,
			string(f.Status),
			strconv.Itoa(f.Vertices),
			strconv.Itoa(f.Movements),
			f.Error,
		})
	}
	table.Render()

	fmt.Fprintf(w, "project %s: %d movements from %d files in %s\n",
		report.Project, report.Movements(), len(report.Files), report.Finished.Sub(report.Started).Round(time.Millisecond))
	if len(report.Indexes) > 0 {
		fmt.Fprintf(w, "created indexes: %v\n", report.Indexes)
	}
}
