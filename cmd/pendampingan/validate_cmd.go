package main

import (
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pendampingan/internal/application"
	"github.com/JonMunkholm/pendampingan/internal/core"
)

func newValidateCmd() *cobra.Command {
	var (
		file string
		fix  bool
		opts core.ApplyOptions
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare a JSON source file with the stored assignments",
		Long: "Compare a JSON source file with the stored assignments.\n" +
			"With --fix the difference is applied: missing keys are inserted and\n" +
			"keys absent from the source are deleted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readSource(file)
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), application.Options{})
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.app.Reconciler.Validate(cmd.Context(), records, fix, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON source file (required)")
	cmd.Flags().BoolVar(&fix, "fix", false, "Apply the difference")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "With --fix, only count what would change")
	cmd.Flags().BoolVar(&opts.InsertOnly, "insert-only", false, "With --fix, only insert missing keys")
	cmd.Flags().BoolVar(&opts.DeleteOnly, "delete-only", false, "With --fix, only delete extra keys")
	cmd.MarkFlagsMutuallyExclusive("insert-only", "delete-only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
