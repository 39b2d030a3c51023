// Package aggregate collapses classified activity mentions into canonical
// entries, either by fuzzy name/location matching or by exact normalized
// field keys.
package aggregate

import (
	"math"
	"slices"
	"strings"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// DefaultSimilarityThreshold is the minimum NameSimilarity for two
// activities to be treated as the same mention.
const DefaultSimilarityThreshold = 0.8

// Dedup greedily groups activities in input order. Each ungrouped activity
// leads a group and absorbs every later ungrouped activity whose location
// matches case-insensitively (both non-empty) or whose name similarity to
// the leader is at least threshold.
//
// The leader's fields are kept. Messages are concatenated, fun and
// interesting scores are averaged to 2 decimals and the combined score is
// recomputed as interesting*2 + fun rounded to 1 decimal. Singletons pass
// through unchanged with a mention count of 1.
func Dedup(activities []model.ClassifiedActivity, threshold float64) []model.ClassifiedActivity {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	grouped := make([]bool, len(activities))
	out := make([]model.ClassifiedActivity, 0, len(activities))

	for i, leader := range activities {
		if grouped[i] {
			continue
		}
		grouped[i] = true
		members := []model.ClassifiedActivity{leader}
		leaderLoc := normalizeLocation(leader)

		for j := i + 1; j < len(activities); j++ {
			if grouped[j] {
				continue
			}
			other := activities[j]
			sameLocation := leaderLoc != "" && strings.EqualFold(leaderLoc, normalizeLocation(other))
			if sameLocation || NameSimilarity(leader.Activity, other.Activity) >= threshold {
				grouped[j] = true
				members = append(members, other)
			}
		}

		out = append(out, mergeGroup(members))
	}
	return out
}

func normalizeLocation(a model.ClassifiedActivity) string {
	return normalizeName(a.LocationText())
}

func mergeGroup(members []model.ClassifiedActivity) model.ClassifiedActivity {
	rep := members[0]
	rep.Messages = slices.Clone(rep.Messages)
	if len(members) == 1 {
		rep.MentionCount = 1
		return rep
	}

	var fun, interesting float64
	for i, m := range members {
		fun += m.FunScore
		interesting += m.InterestingScore
		if i > 0 {
			rep.Messages = append(rep.Messages, m.Messages...)
		}
	}
	n := float64(len(members))
	rep.FunScore = round(fun/n, 2)
	rep.InterestingScore = round(interesting/n, 2)
	rep.Score = CombinedScore(rep.FunScore, rep.InterestingScore)
	rep.MentionCount = len(members)
	return rep
}

// CombinedScore weights interest double: interesting*2 + fun, rounded to
// 1 decimal.
func CombinedScore(fun, interesting float64) float64 {
	return round(interesting*2+fun, 1)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
