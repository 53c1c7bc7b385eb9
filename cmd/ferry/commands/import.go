package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/ferry/importer"
	"github.com/teranos/ferry/record"
)

// ImportCmd ships records from local files into the project.
var ImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Ship records from a local file into the project",
	Long: `Import events or profiles from a local file.

The file encoding is detected automatically: JSON array, JSON lines, or CSV,
each optionally gzip-compressed, including files ferry itself exported.
Records are shipped in bounded batches with bounded concurrency; records the
remote service rejects are reported individually, and records that fail local
validation are diverted to a side file for inspection.

Examples:
  ferry import events.jsonl
  ferry import events.json.gz --version 42
  ferry import profiles.csv --invalid-out bad_records.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	importVersionID  string
	importInvalidOut string
	importTZOffset   float64
)

func init() {
	ImportCmd.Flags().StringVar(&importVersionID, "version", "", "Target resource version id")
	ImportCmd.Flags().StringVar(&importInvalidOut, "invalid-out", "", "File for records failing local validation (default from config)")
	ImportCmd.Flags().Float64Var(&importTZOffset, "timezone-offset", 0, "UTC offset (hours) of the project that exported the data (default from config)")
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}

	src, err := record.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	invalidPath := importInvalidOut
	if invalidPath == "" {
		invalidPath = s.cfg.Import.InvalidRecordFile
	}
	invalid, err := record.OpenSink(invalidPath, record.SinkOptions{Format: record.FormatJSON})
	if err != nil {
		return err
	}
	defer invalid.Close()

	tzOffset := importTZOffset
	if !cmd.Flags().Changed("timezone-offset") {
		tzOffset = s.cfg.Export.TimezoneOffset
	}

	result, err := s.importer().Run(cmd.Context(), src, importer.Options{
		VersionID:      importVersionID,
		InvalidSink:    invalid,
		TimezoneOffset: tzOffset,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d/%d records (%d rejected, %d invalid)\n",
		result.Accepted, result.Total, len(result.Rejected), result.Invalid)
	for _, rej := range result.Rejected {
		fmt.Printf("  rejected #%d %s: %s\n", rej.Index, rej.DistinctID, rej.Message)
	}
	if result.Failed() {
		for _, berr := range result.BatchErrors {
			fmt.Printf("  batch error: %v\n", berr)
		}
		return fmt.Errorf("%d batches failed", len(result.BatchErrors))
	}
	// Partial rejections exit non-zero so scripted imports notice them.
	return result.RejectionErr()
}
