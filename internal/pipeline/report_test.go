package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/chatmap-cli/internal/cost"
	"github.com/sells-group/chatmap-cli/internal/model"
)

func TestFormatReport(t *testing.T) {
	rep := hike()
	rep.Geo = &model.GeoPoint{Latitude: 37.9, Longitude: -122.55}
	r := &Result{
		Run:               model.Run{ID: "abc", Source: "chat.json"},
		Messages:          4,
		Candidates:        make([]model.Candidate, 2),
		AgreementsRemoved: 1,
		Batches:           make([]model.Batch, 1),
		Activities:        []model.ClassifiedActivity{rep},
		Clusters: []model.Cluster{{
			Representative: rep,
			InstanceCount:  2,
			AllSenders:     []string{"alice", "bob"},
		}},
		Usage: model.TokenUsage{InputTokens: 1000, OutputTokens: 200, Cost: 0.0016},
		Stages: []model.StageReport{
			{Name: model.StageParse, Status: model.StageStatusCached, Count: 4},
			{Name: model.StageSemantic, Status: model.StageStatusSkipped, Metadata: map[string]any{"reason": "disabled"}},
			{Name: model.StageClassify, Status: model.StageStatusFailed, Error: "boom"},
		},
	}

	out := FormatReport(r)
	assert.Contains(t, out, "# Activity Report: abc")
	assert.Contains(t, out, "Source: chat.json")
	assert.Contains(t, out, "- Candidates: 2 (1 agreements removed)")
	assert.Contains(t, out, "- Activities: 1 in 1 clusters")
	assert.Contains(t, out, "- Cost: $0.0016")
	assert.Contains(t, out, "- parse: cached (4, 0ms)")
	assert.Contains(t, out, "- semantic: skipped (disabled)")
	assert.Contains(t, out, "- classify: failed\n  Error: boom")
	assert.Contains(t, out, "1. **Hike Mt Tam** (nature) score 2.0, mentioned 2×, mill valley, usa [37.90000, -122.55000]")
	assert.Contains(t, out, "   by alice, bob")
}

func TestFormatReport_DryRun(t *testing.T) {
	out := FormatReport(&Result{
		Run:      model.Run{ID: "abc"},
		Estimate: &cost.Estimate{Model: "claude-haiku-4-5-20251001", InputTokens: 1200, USD: 0.0012},
	})
	assert.Contains(t, out, "Estimated classification cost (claude-haiku-4-5-20251001): $0.0012 for ~1200 input tokens")
	assert.Contains(t, out, "No activities found.")
	assert.NotContains(t, out, "Source:")
}
