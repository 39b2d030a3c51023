package aggregate

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// KeySeparator joins normalized fields in a complete activity's cluster key.
const KeySeparator = "|"

// keyEscaper escapes the separator inside fields so distinct field tuples
// never join to the same key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, KeySeparator, `\`+KeySeparator)

// ClusterResult is the output of Cluster.
type ClusterResult struct {
	Clusters []model.Cluster            `json:"clusters"`
	Filtered []model.ClassifiedActivity `json:"filtered,omitempty"`
}

// clusterID keeps the complete and incomplete key spaces disjoint even when
// their strings collide.
type clusterID struct {
	complete bool
	key      string
}

// ClusterKey returns the grouping key of an activity. Complete activities
// key on action, object, venue, city and country; incomplete ones on their
// trimmed title. Both are case-folded.
func ClusterKey(a model.ClassifiedActivity) string {
	fold := cases.Fold()
	if !a.IsComplete {
		return fold.String(strings.TrimSpace(a.Activity))
	}
	fields := []string{a.Action, a.Object, a.Venue, a.City, a.Country}
	for i, f := range fields {
		fields[i] = keyEscaper.Replace(fold.String(strings.TrimSpace(f)))
	}
	return strings.Join(fields, KeySeparator)
}

// FilterByScore splits activities into those with Score >= minScore and
// those below it. A minScore <= 0 keeps everything.
func FilterByScore(activities []model.ClassifiedActivity, minScore float64) (kept, filtered []model.ClassifiedActivity) {
	if minScore <= 0 {
		return activities, nil
	}
	for _, a := range activities {
		if a.Score < minScore {
			filtered = append(filtered, a)
			continue
		}
		kept = append(kept, a)
	}
	return kept, filtered
}

// Cluster groups activities by ClusterKey after removing those scoring
// below minScore. The representative of each cluster is the member with
// the highest confidence, then highest score, then earliest position.
// Clusters are ordered by instance count descending, then first mention
// ascending.
func Cluster(activities []model.ClassifiedActivity, minScore float64) ClusterResult {
	kept, filtered := FilterByScore(activities, minScore)

	index := make(map[clusterID]int)
	var clusters []model.Cluster
	for _, a := range kept {
		id := clusterID{complete: a.IsComplete, key: ClusterKey(a)}
		i, ok := index[id]
		if !ok {
			index[id] = len(clusters)
			clusters = append(clusters, model.Cluster{ClusterKey: id.key})
			i = len(clusters) - 1
		}
		clusters[i].Instances = append(clusters[i].Instances, a)
	}

	for i := range clusters {
		finalize(&clusters[i])
	}

	slices.SortStableFunc(clusters, func(a, b model.Cluster) int {
		if a.InstanceCount != b.InstanceCount {
			return b.InstanceCount - a.InstanceCount
		}
		return a.FirstMentioned.Compare(b.FirstMentioned)
	})

	return ClusterResult{Clusters: clusters, Filtered: filtered}
}

func finalize(c *model.Cluster) {
	c.InstanceCount = len(c.Instances)

	best := 0
	for i, inst := range c.Instances[1:] {
		cur := c.Instances[best]
		if inst.Confidence > cur.Confidence ||
			(inst.Confidence == cur.Confidence && inst.Score > cur.Score) {
			best = i + 1
		}
	}
	c.Representative = c.Instances[best]

	seen := make(map[string]bool)
	var first, last time.Time
	for _, inst := range c.Instances {
		if ts := inst.FirstTimestamp(); !ts.IsZero() && (first.IsZero() || ts.Before(first)) {
			first = ts
		}
		if ts := inst.LastTimestamp(); ts.After(last) {
			last = ts
		}
		for _, m := range inst.Messages {
			if m.Sender != "" && !seen[m.Sender] {
				seen[m.Sender] = true
				c.AllSenders = append(c.AllSenders, m.Sender)
			}
		}
	}
	c.FirstMentioned = first
	c.LastMentioned = last
}
