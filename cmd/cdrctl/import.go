package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/cdr-ingest/internal/ingest"
	"github.com/cuongbtq/cdr-ingest/internal/jobqueue"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type importOptions struct {
	table  string
	mode   string
	userID int64
}

func newImportCmd(a *app) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load a CSV, XLSX or SQL file into a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(opts.mode)
			if err != nil {
				return err
			}
			if mode != ingest.ModeSQL && strings.TrimSpace(opts.table) == "" {
				return fmt.Errorf("--table is required for %s mode", mode)
			}

			svc := ingest.New(&ingest.Config{
				Logger:          a.logger.Logger,
				Store:           a.store,
				Catalog:         a.store,
				BatchSize:       a.cfg.Ingestion.BatchSize,
				MaxColumns:      a.cfg.Ingestion.MaxColumns,
				ErrorSampleSize: a.cfg.Ingestion.ErrorSampleSize,
				MinProgress:     a.cfg.Ingestion.MinProgress,
				DefaultSchema:   a.cfg.Ingestion.DefaultSchema,
			})

			req := ingest.Request{
				FilePath:    args[0],
				FileName:    filepath.Base(args[0]),
				TargetTable: opts.table,
				Mode:        mode,
				User:        ingest.User{ID: opts.userID},
			}
			progress := func(u jobqueue.Update) {
				if u.Progress != nil && u.Message != nil {
					a.logger.Info(*u.Message, slog.Int("progress", *u.Progress))
				}
			}

			var res *ingest.Result
			if mode == ingest.ModeSQL {
				res, err = svc.ImportSQL(cmd.Context(), req, progress)
			} else {
				res, err = svc.UploadCSV(cmd.Context(), req, progress)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "upload %d: %s of %s rows imported into %s\n",
				res.UploadID,
				humanize.Comma(int64(res.SuccessRows)),
				humanize.Comma(int64(res.TotalRows)),
				res.Table,
			)
			for _, e := range res.Errors {
				fmt.Fprintln(out, "  "+e)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.table, "table", "", "Target table, optionally schema qualified")
	cmd.Flags().StringVar(&opts.mode, "mode", string(ingest.ModeInsert), "Mode: insert, upsert, new_table or sql")
	cmd.Flags().Int64Var(&opts.userID, "user", 0, "User id recorded in the upload history")

	return cmd
}

func parseMode(raw string) (ingest.Mode, error) {
	mode := ingest.Mode(strings.ToLower(strings.TrimSpace(raw)))
	if !mode.Valid() {
		return "", fmt.Errorf("%w: %q", ingest.ErrInvalidMode, raw)
	}
	return mode, nil
}
