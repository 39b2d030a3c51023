package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chatmap-cli/internal/config"
	"github.com/sells-group/chatmap-cli/internal/model"
)

const testTranscript = `[
  {"id": 1, "sender": "alice", "timestamp": "2024-06-01T18:00:00Z", "content": "We should try that new ramen place on 5th"},
  {"id": 2, "sender": "bob", "timestamp": "2024-06-01T18:01:00Z", "content": "what time works"},
  {"id": 3, "sender": "carol", "timestamp": "2024-06-01T18:02:00Z", "content": "let's go hiking at Mt Tam this weekend"}
]`

// planConfig is a config that passes Validate("plan") without network
// clients: scrape and semantic are off and the tokenizer falls back to
// character counts.
func planConfig(dir string) *config.Config {
	return &config.Config{
		Cache:       config.CacheConfig{Driver: "file", Dir: dir, RequestTTLHours: 24, FailureTTLHours: 1},
		Heuristic:   config.HeuristicConfig{ContextSize: 1},
		Consolidate: config.ConsolidateConfig{AgreementProximity: 5},
		Batch: config.BatchConfig{
			Strategy:           "grouped",
			Size:               10,
			ProximityGap:       5,
			TokenBudget:        4000,
			SystemPromptTokens: 600,
			Encoding:           "no_such_encoding",
		},
		Classify: config.ClassifyConfig{Model: "claude-haiku-4-5-20251001", Concurrency: 5},
		Scrape:   config.ScrapeConfig{Concurrency: 5},
		Semantic: config.SemanticConfig{Threshold: 0.5},
		Aggregate: config.AggregateConfig{
			SimilarityThreshold: 0.8,
		},
	}
}

func writeTranscript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.json")
	require.NoError(t, os.WriteFile(path, []byte(testTranscript), 0o644))
	return path
}

func TestReadInput_File(t *testing.T) {
	path := writeTranscript(t)

	msgs, runID, err := readInput(path)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.NotEmpty(t, runID)

	// Same file, same identity.
	_, again, err := readInput(path)
	require.NoError(t, err)
	assert.Equal(t, runID, again)
}

func TestReadInput_MissingFile(t *testing.T) {
	_, _, err := readInput(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open input")
}

func TestRunPipeline_RejectsUnknownFormat(t *testing.T) {
	err := runPipeline(context.Background(), &bytes.Buffer{}, runOptions{Input: "x", Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestRunPipeline_RunRequiresAnthropicKey(t *testing.T) {
	cfg = planConfig(t.TempDir())

	err := runPipeline(context.Background(), &bytes.Buffer{}, runOptions{Input: writeTranscript(t), Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: validation failed")
	assert.Contains(t, err.Error(), "anthropic.key")
}

func TestRunPipeline_DryRunJSON(t *testing.T) {
	cfg = planConfig(t.TempDir())
	input := writeTranscript(t)

	var out bytes.Buffer
	err := runPipeline(context.Background(), &out, runOptions{Input: input, DryRun: true, Format: "json"})
	require.NoError(t, err)

	var res struct {
		Run        model.Run           `json:"run"`
		Messages   int                 `json:"messages"`
		Candidates []model.Candidate   `json:"candidates"`
		Batches    []model.Batch       `json:"batches"`
		Estimate   *json.RawMessage    `json:"estimate"`
		Stages     []model.StageReport `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))

	assert.Equal(t, input, res.Run.Source)
	assert.Equal(t, 3, res.Messages)
	require.Len(t, res.Candidates, 2)
	assert.NotEmpty(t, res.Batches)
	assert.NotNil(t, res.Estimate)

	statuses := make(map[string]model.StageStatus)
	for _, s := range res.Stages {
		statuses[s.Name] = s.Status
	}
	assert.Equal(t, model.StageStatusComplete, statuses[model.StagePlan])
	assert.Equal(t, model.StageStatusSkipped, statuses[model.StageClassify])
	assert.Equal(t, model.StageStatusSkipped, statuses[model.StageGeocode])
}

func TestRunPipeline_DryRunResumesFromCache(t *testing.T) {
	cfg = planConfig(t.TempDir())
	input := writeTranscript(t)
	opts := runOptions{Input: input, DryRun: true, Format: "json"}

	require.NoError(t, runPipeline(context.Background(), &bytes.Buffer{}, opts))

	var out bytes.Buffer
	require.NoError(t, runPipeline(context.Background(), &out, opts))

	var res struct {
		Stages []model.StageReport `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	for _, s := range res.Stages {
		if s.Name == model.StageParse || s.Name == model.StageHeuristic || s.Name == model.StagePlan {
			assert.Equal(t, model.StageStatusCached, s.Status, s.Name)
		}
	}
}

func TestRunPipeline_PlanReport(t *testing.T) {
	cfg = planConfig(t.TempDir())

	var out bytes.Buffer
	err := runPipeline(context.Background(), &out, runOptions{Input: writeTranscript(t), DryRun: true, Format: "report"})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "# Activity Report:")
	assert.Contains(t, out.String(), "Estimated classification cost")
}
