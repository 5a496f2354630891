package main

import (
	"fmt"

	"github.com/cuongbtq/cdr-ingest/internal/enrich"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newEnrichCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich <file>",
		Short: "Fill tower coordinates and names into a CDR file in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := enrich.New(a.lookup(), enrich.Options{BaseDir: a.cfg.Enrichment.BaseDir}, a.logger.Logger)

			res, err := svc.EnrichFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s of %s rows enriched, %s values updated\n",
				res.FilePath,
				humanize.Comma(int64(res.EnrichedRows)),
				humanize.Comma(int64(res.Rows)),
				humanize.Comma(int64(res.UpdatedValues)),
			)
			return nil
		},
	}
}
