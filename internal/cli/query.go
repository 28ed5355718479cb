package cli

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/tripflow/internal/query"
)

type QueryCmd struct{}

func NewQueryCmd() *QueryCmd {
	return &QueryCmd{}
}

func (c *QueryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query --project <name> <sql>",
		Short: "Run a SQL statement against a project store",
		Args:  cobra.ExactArgs(1),
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
			csvOut, err := cmd.Flags().GetBool("csv")
			if err != nil {
				return fmt.Errorf("failed to get csv flag: %w", err)
			}

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

			result, err := svc.RawQuery(cmd.Context(), projectName, args[0])
			if err != nil {
				return err
			}
			if csvOut {
				out, err := result.CSV()
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), out)
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().String("project", "citibike", "project to query")
	cmd.Flags().Bool("csv", false, "print the result as CSV instead of a table")
	return cmd
}

func printResult(w io.Writer, result *query.Result) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeader(result.Columns)
	table.AppendBulk(result.Rows)
	table.Render()
	fmt.Fprintf(w, "(%d rows)\n", len(result.Rows))
}
