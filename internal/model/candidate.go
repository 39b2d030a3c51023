package model

import "time"

// SourceType identifies the extractor that flagged a candidate.
type SourceType string

const (
	SourcePattern  SourceType = "pattern"
	SourceURL      SourceType = "url"
	SourceSemantic SourceType = "semantic"
)

// CandidateKind distinguishes new suggestions from replies agreeing with one.
type CandidateKind string

const (
	KindSuggestion CandidateKind = "suggestion"
	KindAgreement  CandidateKind = "agreement"
)

// Source describes why a message became a candidate. Only the fields
// relevant to Type are set.
type Source struct {
	Type        SourceType `json:"type"`
	Pattern     string     `json:"pattern,omitempty"`
	URLCategory string     `json:"url_category,omitempty"`
	Similarity  float64    `json:"similarity,omitempty"`
	Query       string     `json:"query,omitempty"`
}

// Candidate is a message flagged as possibly describing an activity.
// Confidence is in [0, 1] and is not calibrated across source types.
type Candidate struct {
	MessageID  int64         `json:"message_id"`
	Content    string        `json:"content"`
	Sender     string        `json:"sender"`
	Timestamp  time.Time     `json:"timestamp"`
	Source     Source        `json:"source"`
	Confidence float64       `json:"confidence"`
	Kind       CandidateKind `json:"kind"`
	Context    string        `json:"context,omitempty"`
	URLs       []string      `json:"urls,omitempty"`
}

// Batch is an ordered group of candidates submitted in one classification call.
type Batch struct {
	Index           int         `json:"index"`
	Candidates      []Candidate `json:"candidates"`
	EstimatedTokens int         `json:"estimated_tokens,omitempty"`
}

// MessageIDs returns the message ids of the batch in order.
func (b Batch) MessageIDs() []int64 {
	ids := make([]int64, len(b.Candidates))
	for i, c := range b.Candidates {
		ids[i] = c.MessageID
	}
	return ids
}
