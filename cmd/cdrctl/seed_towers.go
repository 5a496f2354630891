package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/btslookup"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSeedTowersCmd(a *app) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "seed-towers <csv>",
		Short: "Load a tower reference CSV into a generation table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table = strings.TrimSpace(table)
			if table == "" {
				return fmt.Errorf("--table is required")
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open reference file: %w", err)
			}
			defer f.Close()

			towers, err := btslookup.ParseTowers(f)
			if err != nil {
				return err
			}

			var writer btslookup.TowerWriter = a.store
			n, err := writer.UpsertTowers(cmd.Context(), table, towers)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s towers loaded into %s\n", humanize.Comma(int64(n)), table)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "Generation table, e.g. 4g")
	return cmd
}
