package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/pipeline"
)

// runOptions are the flags shared by run and plan.
type runOptions struct {
	Input     string
	SkipCache bool
	DryRun    bool
	Format    string
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract, classify and rank the activities of a transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context(), cmd.OutOrStdout(), runOpts)
	},
}

func runPipeline(ctx context.Context, w io.Writer, opts runOptions) error {
	if opts.Format != "json" && opts.Format != "report" {
		return eris.Errorf("unsupported format %q (want json or report)", opts.Format)
	}

	messages, runID, err := readInput(opts.Input)
	if err != nil {
		return err
	}

	env, err := initPipeline(ctx, opts.DryRun)
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := env.Pipeline.Run(ctx, pipeline.Input{
		Messages:  messages,
		RunID:     runID,
		Source:    opts.Input,
		SkipCache: opts.SkipCache,
		DryRun:    opts.DryRun,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline run")
	}

	zap.L().Info("run complete",
		zap.String("run_id", result.Run.ID),
		zap.Int("clusters", len(result.Clusters)),
		zap.Float64("cost_usd", result.Usage.Cost),
	)
	return writeResult(w, result, opts.Format)
}

// readInput loads the transcript at path, or stdin for "-". File inputs are
// identified by path and modification time; stdin runs by content.
func readInput(path string) ([]model.Message, string, error) {
	if path == "-" {
		msgs, err := pipeline.LoadTranscript(os.Stdin)
		return msgs, "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", eris.Wrap(err, "open input")
	}
	defer f.Close() //nolint:errcheck

	msgs, err := pipeline.LoadTranscript(f)
	if err != nil {
		return nil, "", err
	}
	runID, err := cache.RunIDFromFile(path)
	if err != nil {
		return nil, "", err
	}
	return msgs, runID, nil
}

func writeResult(w io.Writer, r *pipeline.Result, format string) error {
	if format == "report" {
		_, err := fmt.Fprint(w, pipeline.FormatReport(r))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func addRunFlags(cmd *cobra.Command, opts *runOptions, format string) {
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "parsed transcript (JSON array or JSON lines); - for stdin")
	cmd.Flags().BoolVar(&opts.SkipCache, "skip-cache", false, "recompute every stage and overwrite its cached output")
	cmd.Flags().StringVar(&opts.Format, "format", format, "output format: json or report")
	_ = cmd.MarkFlagRequired("input")
}

func init() {
	addRunFlags(runCmd, &runOpts, "json")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "stop after batch planning and print a cost estimate")
	rootCmd.AddCommand(runCmd)
}
