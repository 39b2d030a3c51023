package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// FormatReport renders a human-readable summary of a run.
func FormatReport(r *Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Activity Report: %s\n", r.Run.ID)
	if r.Run.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", r.Run.Source)
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Messages: %d\n", r.Messages)
	fmt.Fprintf(&b, "- Candidates: %d (%d agreements removed)\n", len(r.Candidates), r.AgreementsRemoved)
	fmt.Fprintf(&b, "- Batches: %d\n", len(r.Batches))
	fmt.Fprintf(&b, "- Activities: %d in %d clusters\n", len(r.Activities), len(r.Clusters))
	if len(r.Filtered) > 0 {
		fmt.Fprintf(&b, "- Below minimum score: %d\n", len(r.Filtered))
	}
	fmt.Fprintf(&b, "- Token usage: %d input, %d output\n", r.Usage.InputTokens, r.Usage.OutputTokens)
	fmt.Fprintf(&b, "- Cost: $%.4f\n", r.Usage.Cost)
	if r.Estimate != nil {
		fmt.Fprintf(&b, "- Estimated classification cost (%s): $%.4f for ~%d input tokens\n",
			r.Estimate.Model, r.Estimate.USD, r.Estimate.InputTokens)
	}
	b.WriteString("\n")

	b.WriteString("## Stages\n")
	writeStages(&b, r.Stages)
	b.WriteString("\n")

	b.WriteString("## Top Activities\n")
	if len(r.Clusters) == 0 {
		b.WriteString("No activities found.\n")
		return b.String()
	}
	for i, c := range r.Clusters {
		rep := c.Representative
		fmt.Fprintf(&b, "%d. **%s** (%s) score %.1f, mentioned %d×", i+1, rep.Activity, rep.Category, rep.Score, c.InstanceCount)
		if loc := rep.LocationText(); loc != "" {
			fmt.Fprintf(&b, ", %s", loc)
		}
		if rep.Geo != nil {
			fmt.Fprintf(&b, " [%.5f, %.5f]", rep.Geo.Latitude, rep.Geo.Longitude)
		}
		b.WriteString("\n")
		if len(c.AllSenders) > 0 {
			fmt.Fprintf(&b, "   by %s\n", strings.Join(c.AllSenders, ", "))
		}
	}
	return b.String()
}

func writeStages(b *strings.Builder, stages []model.StageReport) {
	for _, s := range stages {
		fmt.Fprintf(b, "- %s: %s", s.Name, s.Status)
		if s.Status == model.StageStatusComplete || s.Status == model.StageStatusCached {
			fmt.Fprintf(b, " (%d, %dms)", s.Count, s.Duration)
		}
		if reason, ok := s.Metadata["reason"].(string); ok {
			fmt.Fprintf(b, " (%s)", reason)
		}
		b.WriteString("\n")
		if s.Error != "" {
			fmt.Fprintf(b, "  Error: %s\n", s.Error)
		}
	}
}
