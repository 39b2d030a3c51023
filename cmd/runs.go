package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect cached pipeline runs",
	Long:  "Commands for listing runs and viewing their stage reports.",
}

// runDetail is a run together with the latest report of each stage.
type runDetail struct {
	model.Run
	Stages []model.StageReport `json:"stages"`
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		backend, closeFn, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		limit, _ := cmd.Flags().GetInt("limit")
		details, err := listRunDetails(ctx, backend, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(details) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), details)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its stage reports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		backend, closeFn, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		detail, ok, err := loadRunDetail(ctx, backend, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if !ok {
			return eris.Errorf("run %s not found", args[0])
		}

		if table, _ := cmd.Flags().GetBool("table"); table {
			formatStageTable(cmd.OutOrStdout(), detail.Stages)
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage statistics across runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		backend, closeFn, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		details, err := listRunDetails(ctx, backend, 0)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatStageStats(cmd.OutOrStdout(), len(details), computeStageStats(details))
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display (0 for all)")
	runsShowCmd.Flags().Bool("table", false, "print stage reports as a table instead of JSON")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func loadRunDetail(ctx context.Context, backend cache.Backend, id string) (runDetail, bool, error) {
	run, ok, err := cache.LoadRun(ctx, backend, id)
	if err != nil || !ok {
		return runDetail{}, false, err
	}
	reports, err := cache.Reports(ctx, backend, id)
	if err != nil {
		return runDetail{}, false, err
	}
	return runDetail{Run: run, Stages: reports}, true, nil
}

// listRunDetails returns up to limit runs, newest first. limit <= 0 means all.
func listRunDetails(ctx context.Context, backend cache.Backend, limit int) ([]runDetail, error) {
	runs, err := cache.ListRuns(ctx, backend)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	details := make([]runDetail, 0, len(runs))
	for _, r := range runs {
		reports, err := cache.Reports(ctx, backend, r.ID)
		if err != nil {
			return nil, err
		}
		details = append(details, runDetail{Run: r, Stages: reports})
	}
	return details, nil
}

// lastStage returns the furthest stage that did not skip, with its status.
func lastStage(reports []model.StageReport) (string, model.StageStatus) {
	for i := len(reports) - 1; i >= 0; i-- {
		if reports[i].Status != model.StageStatusSkipped {
			return reports[i].Name, reports[i].Status
		}
	}
	return "", ""
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []runDetail) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tLAST_STAGE\tSTATUS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t----------\t------\t-------")

	for _, r := range runs {
		source := r.Source
		if len(source) > 30 {
			source = "..." + source[len(source)-27:]
		}
		stage, status := lastStage(r.Stages)
		if stage == "" {
			stage, status = "-", "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			source,
			stage,
			status,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatStageTable writes one row per stage report.
func formatStageTable(out io.Writer, reports []model.StageReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tCOUNT\tDURATION\tERROR")
	for _, r := range reports {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			r.Name,
			r.Status,
			r.Count,
			(time.Duration(r.Duration) * time.Millisecond).String(),
			r.Error,
		)
	}
	_ = w.Flush()
}

// stageStats holds aggregate statistics of one stage across runs.
type stageStats struct {
	Name       string
	Complete   int
	Cached     int
	Failed     int
	Skipped    int
	AvgDurMs   float64
	durTotal   int64
	durSamples int
}

// computeStageStats tallies statuses per stage, in pipeline order. Average
// duration covers computed stages only.
func computeStageStats(runs []runDetail) []stageStats {
	order := model.StageOrder()
	stats := make([]stageStats, len(order))
	index := make(map[string]int, len(order))
	for i, name := range order {
		stats[i].Name = name
		index[name] = i
	}

	for _, r := range runs {
		for _, rep := range r.Stages {
			i, ok := index[rep.Name]
			if !ok {
				continue
			}
			s := &stats[i]
			switch rep.Status {
			case model.StageStatusComplete:
				s.Complete++
				s.durTotal += rep.Duration
				s.durSamples++
			case model.StageStatusCached:
				s.Cached++
			case model.StageStatusFailed:
				s.Failed++
				s.durTotal += rep.Duration
				s.durSamples++
			case model.StageStatusSkipped:
				s.Skipped++
			}
		}
	}

	for i := range stats {
		if stats[i].durSamples > 0 {
			stats[i].AvgDurMs = float64(stats[i].durTotal) / float64(stats[i].durSamples)
		}
	}
	return stats
}

// formatStageStats writes aggregate stats to w.
func formatStageStats(out io.Writer, runs int, stats []stageStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n\n", runs)
	_, _ = fmt.Fprintln(w, "STAGE\tCOMPLETE\tCACHED\tFAILED\tSKIPPED\tAVG_MS")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.0f\n",
			s.Name, s.Complete, s.Cached, s.Failed, s.Skipped, s.AvgDurMs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a run id for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
