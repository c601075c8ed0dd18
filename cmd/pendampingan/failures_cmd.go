package main

import (
	"encoding/json"
	"os"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/report"
)

func newFailuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect failure reports written by imports",
	}
	cmd.AddCommand(newFailuresSummarizeCmd())
	cmd.AddCommand(newFailuresExtractCmd())
	return cmd
}

func loadReport(path string) ([]core.FailedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open report")
	}
	defer f.Close()
	return report.Parse(f)
}

func newFailuresSummarizeCmd() *cobra.Command {
	var (
		path    string
		samples int
	)

	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Count failures per reason with samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			failures, err := loadReport(path)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report.Summarize(failures, samples))
		},
	}

	cmd.Flags().StringVar(&path, "report", "", "Failure report file (required)")
	cmd.Flags().IntVar(&samples, "samples", report.DefaultSampleLimit, "Samples per reason")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func newFailuresExtractCmd() *cobra.Command {
	var path, out string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Write the source records of failures as a new source file",
		RunE: func(cmd *cobra.Command, args []string) error {
			failures, err := loadReport(path)
			if err != nil {
				return err
			}

			records := report.Extract(failures)
			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode records")
			}
			if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
				return errors.Wrap(err, "write records")
			}

			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"failures": len(failures),
				"records":  len(records),
				"out":      out,
			})
		},
	}

	cmd.Flags().StringVar(&path, "report", "", "Failure report file (required)")
	cmd.Flags().StringVar(&out, "out", "", "Output source file (required)")
	_ = cmd.MarkFlagRequired("report")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
