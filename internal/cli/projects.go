package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/tripflow/internal/query"
)

type ProjectsCmd struct{}

func NewProjectsCmd() *ProjectsCmd {
	return &ProjectsCmd{}
}

func (c *ProjectsCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects and their movement columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Verbose)

			registry, err := newRegistry(log, cfg)
			if err != nil {
				return err
			}
			defer registry.Close()

			svc, err := query.NewService(query.Config{
				Logger:   log,
				Registry: registry,
			})
			if err != nil {
				return fmt.Errorf("failed to create query service: %w", err)
			}
			defer svc.Close()

			names, err := svc.ListProjects()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				cols, err := svc.ListColumns(cmd.Context(), name)
				if err != nil {
					// Projects created by a failed ingest have no movements table yet.
					log.Debug("projects: failed to list columns", "project", name, "error", err)
					rows = append(rows, []string{name, "-"})
					continue
				}
				rows = append(rows, []string{name, strings.Join(cols, ", ")})
			}
			printProjects(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func printProjects(w io.Writer, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Project", "Columns"})
	table.AppendBulk(rows)
	table.Render()
}
