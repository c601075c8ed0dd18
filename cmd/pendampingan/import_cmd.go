package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pendampingan/internal/application"
	"github.com/JonMunkholm/pendampingan/internal/core"
)

func newImportCmd() *cobra.Command {
	var (
		file      string
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSON source file into pendampingan",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readSource(file)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, application.Options{BatchSize: batchSize})
			if err != nil {
				return err
			}
			defer rt.close()

			errOut := cmd.ErrOrStderr()
			sink := core.SinkFunc(func(e core.Event) {
				switch {
				case e.Log != "":
					fmt.Fprintln(errOut, e.Log)
				case e.Progress != nil:
					fmt.Fprintf(errOut, "progress %d%%\n", *e.Progress)
				}
			})

			res, err := rt.app.Importer.Run(ctx, records, sink)
			if res != nil {
				if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON source file (required)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per commit (default IMPORT_BATCH_SIZE)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
