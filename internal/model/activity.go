package model

import (
	"strings"
	"time"
)

// ActivityMessage is a source message attached to a classified activity.
type ActivityMessage struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ClassifiedActivity is a validated classifier record for one activity
// mention. Normalized fields are lowercase/synonym-normalized by the
// classifier; IsComplete marks simple activities that can be keyed on
// them.
type ClassifiedActivity struct {
	MessageID        int64             `json:"messageId"`
	Activity         string            `json:"activity"`
	Category         string            `json:"category"`
	FunScore         float64           `json:"funScore"`
	InterestingScore float64           `json:"interestingScore"`
	Score            float64           `json:"score"`
	Confidence       float64           `json:"confidence"`
	Location         string            `json:"location,omitempty"`
	Venue            string            `json:"venue,omitempty"`
	City             string            `json:"city,omitempty"`
	Country          string            `json:"country,omitempty"`
	Action           string            `json:"action,omitempty"`
	Object           string            `json:"object,omitempty"`
	IsComplete       bool              `json:"isComplete"`
	Messages         []ActivityMessage `json:"messages"`
	MentionCount     int               `json:"mentionCount,omitempty"`
	Geo              *GeoPoint         `json:"geo,omitempty"`
}

// GeoPoint is a geocoded position for an activity location.
type GeoPoint struct {
	Latitude         float64 `json:"lat"`
	Longitude        float64 `json:"lng"`
	FormattedAddress string  `json:"formattedAddress,omitempty"`
}

// LocationText returns the free-text location, falling back to the
// normalized venue, city and country joined by commas.
func (a ClassifiedActivity) LocationText() string {
	if s := strings.TrimSpace(a.Location); s != "" {
		return s
	}
	var parts []string
	for _, p := range []string{a.Venue, a.City, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// FirstTimestamp returns the earliest message timestamp, or the zero time
// when the activity carries no messages.
func (a ClassifiedActivity) FirstTimestamp() time.Time {
	var first time.Time
	for _, m := range a.Messages {
		if first.IsZero() || m.Timestamp.Before(first) {
			first = m.Timestamp
		}
	}
	return first
}

// LastTimestamp returns the latest message timestamp.
func (a ClassifiedActivity) LastTimestamp() time.Time {
	var last time.Time
	for _, m := range a.Messages {
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	return last
}

// Cluster groups classified activities that denote the same real-world
// activity.
type Cluster struct {
	ClusterKey     string               `json:"clusterKey"`
	Representative ClassifiedActivity   `json:"representative"`
	Instances      []ClassifiedActivity `json:"instances"`
	InstanceCount  int                  `json:"instanceCount"`
	FirstMentioned time.Time            `json:"firstMentioned"`
	LastMentioned  time.Time            `json:"lastMentioned"`
	AllSenders     []string             `json:"allSenders"`
}
