package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/crawler"
	"github.com/JakeFAU/quote-harvester/internal/pipeline"
)

// Output formats accepted by --output.
const (
	outputJSONL = "jsonl"
	outputJSON  = "json"
	outputText  = "text"
)

type harvestOptions struct {
	first       int
	last        int
	concurrency int
	failFast    bool
	output      string
}

// newHarvestCmd creates the 'harvest' subcommand, which runs one harvest and
// prints the records to stdout.
func newHarvestCmd() *cobra.Command {
	opts := &harvestOptions{}
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fetch the configured page range once and print the records",
		Long: `Fetches every page in [first, last) with at most --concurrency requests
in flight and prints one record per line. The run summary goes to the log.
Failed pages are reported but do not fail the command unless --fail-fast is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.first, "first", 0, "first page index (default from config)")
	cmd.Flags().IntVar(&opts.last, "last", 0, "exclusive last page index (default from config)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "maximum concurrent fetches (default from config)")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "abort the run on the first failed page")
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputJSONL, "output format: jsonl, json or text")
	return cmd
}

func runHarvest(cmd *cobra.Command, opts *harvestOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	harvester := appInstance.GetHarvester()

	write, err := recordWriter(opts.output)
	if err != nil {
		return err
	}

	plan := harvester.DefaultPlan()
	if cmd.Flags().Changed("first") {
		plan.FirstPage = opts.first
	}
	if cmd.Flags().Changed("last") {
		plan.LastPage = opts.last
	}
	if cmd.Flags().Changed("fail-fast") {
		plan.FailureMode = pipeline.FailurePartial
		if opts.failFast {
			plan.FailureMode = pipeline.FailureFast
		}
	}

	result, runErr := harvester.RunPlan(cmd.Context(), plan)
	if err := write(cmd.OutOrStdout(), result); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	for _, page := range result.Failed() {
		logger.Warn("page failed", zap.Int("page", page.Page), zap.String("url", page.URL), zap.String("error", page.ErrorText))
	}
	if runErr != nil {
		return fmt.Errorf("harvest: %w", runErr)
	}
	return nil
}

func recordWriter(format string) (func(io.Writer, crawler.RunResult) error, error) {
	switch strings.ToLower(format) {
	case outputJSONL:
		return writeJSONLines, nil
	case outputJSON:
		return writeJSONResult, nil
	case outputText:
		return writeText, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, outputJSONL, outputJSON, outputText)
	}
}

func writeJSONLines(w io.Writer, result crawler.RunResult) error {
	enc := json.NewEncoder(w)
	for _, record := range result.Records {
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return nil
}

func writeJSONResult(w io.Writer, result crawler.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func writeText(w io.Writer, result crawler.RunResult) error {
	var errs []error
	for _, record := range result.Records {
		_, err := fmt.Fprintf(w, "%s\n  by %s\n  tags: %s\n\n", record.Text, record.Author, strings.Join(record.Tags, ", "))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
