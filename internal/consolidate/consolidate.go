// Package consolidate merges heuristic and semantic candidate streams into
// one deduplicated, ranked stream and drops agreement noise.
package consolidate

import (
	"slices"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// DefaultAgreementProximity is the message-id distance within which an
// agreement is considered covered by a nearby suggestion.
const DefaultAgreementProximity = 5

// Result is the output of Consolidate.
type Result struct {
	Candidates        []model.Candidate `json:"candidates"`
	AgreementsRemoved int               `json:"agreements_removed"`
}

// Consolidate merges both candidate sets by message id, removes agreements
// within agreementProximity of a suggestion and returns the survivors
// sorted by confidence descending.
func Consolidate(heuristic, semantic []model.Candidate, agreementProximity int) Result {
	merged := Merge(heuristic, semantic)
	kept, removed := RemoveAgreements(merged, agreementProximity)
	SortByConfidence(kept)
	return Result{Candidates: kept, AgreementsRemoved: removed}
}

// Merge keys candidates by message id. Heuristic candidates are inserted
// first; a semantic candidate replaces an existing entry only when its
// confidence is strictly greater, so ties keep the heuristic one.
// Output preserves first-insertion order.
func Merge(heuristic, semantic []model.Candidate) []model.Candidate {
	byID := make(map[int64]int, len(heuristic)+len(semantic))
	out := make([]model.Candidate, 0, len(heuristic)+len(semantic))

	insert := func(c model.Candidate) {
		idx, ok := byID[c.MessageID]
		if !ok {
			byID[c.MessageID] = len(out)
			out = append(out, c)
			return
		}
		if c.Confidence > out[idx].Confidence {
			out[idx] = c
		}
	}

	for _, c := range heuristic {
		insert(c)
	}
	for _, c := range semantic {
		insert(c)
	}
	return out
}

// RemoveAgreements drops every agreement whose nearest suggestion is at
// most proximity message ids away (inclusive, either direction). A
// proximity <= 0 disables the step and returns an unmodified copy.
// Survivors are returned as suggestions followed by agreements, each in
// input order.
func RemoveAgreements(candidates []model.Candidate, proximity int) ([]model.Candidate, int) {
	if proximity <= 0 {
		return slices.Clone(candidates), 0
	}

	var suggestions, agreements []model.Candidate
	for _, c := range candidates {
		if c.Kind == model.KindAgreement {
			agreements = append(agreements, c)
		} else {
			suggestions = append(suggestions, c)
		}
	}
	if len(suggestions) == 0 || len(agreements) == 0 {
		return slices.Clone(candidates), 0
	}

	ids := make([]int64, len(suggestions))
	for i, s := range suggestions {
		ids[i] = s.MessageID
	}
	slices.Sort(ids)

	out := make([]model.Candidate, 0, len(candidates))
	out = append(out, suggestions...)
	removed := 0
	for _, a := range agreements {
		if nearestDistance(ids, a.MessageID) <= int64(proximity) {
			removed++
			continue
		}
		out = append(out, a)
	}
	return out, removed
}

// nearestDistance returns the minimum |id - sorted[i]|. sorted must be
// non-empty and ascending.
func nearestDistance(sorted []int64, id int64) int64 {
	i, _ := slices.BinarySearch(sorted, id)
	best := int64(-1)
	if i < len(sorted) {
		best = sorted[i] - id
	}
	if i > 0 {
		if d := id - sorted[i-1]; best < 0 || d < best {
			best = d
		}
	}
	return best
}

// SortByConfidence sorts candidates by confidence descending, keeping
// input order on ties.
func SortByConfidence(candidates []model.Candidate) {
	slices.SortStableFunc(candidates, func(a, b model.Candidate) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		default:
			return 0
		}
	})
}
