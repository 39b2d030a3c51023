// Package heuristic flags candidate messages with regular-expression
// patterns and URL categories. The rule tables are data: defaults are
// built in and a YAML file may replace them.
package heuristic

import (
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// Pattern is a named regular expression with a fixed confidence.
type Pattern struct {
	Name       string              `yaml:"name"`
	Expr       string              `yaml:"pattern"`
	Confidence float64             `yaml:"confidence"`
	Kind       model.CandidateKind `yaml:"kind"`

	re *regexp.Regexp
}

// URLCategory assigns a category to links whose host (and optional path
// prefix) matches one of Hosts, e.g. "google.com/maps".
type URLCategory struct {
	Category   string   `yaml:"category"`
	Hosts      []string `yaml:"hosts"`
	Confidence float64  `yaml:"confidence"`
}

// Rules is the complete rule table of an Extractor.
type Rules struct {
	Patterns      []Pattern     `yaml:"patterns"`
	URLCategories []URLCategory `yaml:"url_categories"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	return Rules{
		Patterns: []Pattern{
			{Name: "bucket_list", Expr: `(?i)\bbucket ?list\b`, Confidence: 0.9, Kind: model.KindSuggestion},
			{Name: "we_should", Expr: `(?i)\bwe should (go|try|do|visit|check out|book|see)\b`, Confidence: 0.85, Kind: model.KindSuggestion},
			{Name: "lets", Expr: `(?i)\blet'?s (go|try|do|visit|check out|book|plan)\b`, Confidence: 0.8, Kind: model.KindSuggestion},
			{Name: "want_to", Expr: `(?i)\b(i|we) (really )?(want|wanna|would love) to (go|try|do|visit|see)\b`, Confidence: 0.75, Kind: model.KindSuggestion},
			{Name: "how_about", Expr: `(?i)\b(how|what) about (going|trying|doing|visiting)\b`, Confidence: 0.7, Kind: model.KindSuggestion},
			{Name: "someday", Expr: `(?i)\b(one day|someday|some day|next time) we\b`, Confidence: 0.65, Kind: model.KindSuggestion},
			{Name: "have_you_tried", Expr: `(?i)\b(have you|has anyone) (been to|tried|done)\b`, Confidence: 0.6, Kind: model.KindSuggestion},
			{Name: "agreement", Expr: `(?i)^\s*(sounds (great|good|fun|amazing|awesome)|yes+|yeah|yep|i'?m in|count me in|love (it|that|this)|\+1|definitely|absolutely|deal)\b`, Confidence: 0.5, Kind: model.KindAgreement},
		},
		URLCategories: []URLCategory{
			{Category: "place", Hosts: []string{"google.com/maps", "maps.google.com", "maps.app.goo.gl", "goo.gl/maps"}, Confidence: 0.8},
			{Category: "travel", Hosts: []string{"tripadvisor.com", "airbnb.com", "booking.com", "lonelyplanet.com"}, Confidence: 0.8},
			{Category: "event", Hosts: []string{"eventbrite.com", "meetup.com", "ticketmaster.com"}, Confidence: 0.75},
			{Category: "food", Hosts: []string{"yelp.com", "opentable.com", "resy.com"}, Confidence: 0.7},
			{Category: "video", Hosts: []string{"youtube.com", "youtu.be", "tiktok.com", "instagram.com"}, Confidence: 0.5},
		},
	}
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, eris.Wrapf(err, "heuristic: read rules %s", path)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, eris.Wrap(err, "heuristic: parse rules")
	}
	if err := r.compile(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

func (r *Rules) compile() error {
	for i := range r.Patterns {
		p := &r.Patterns[i]
		if p.Name == "" {
			return eris.Errorf("heuristic: pattern %d has no name", i)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return eris.Errorf("heuristic: pattern %s confidence %v out of [0,1]", p.Name, p.Confidence)
		}
		switch p.Kind {
		case "":
			p.Kind = model.KindSuggestion
		case model.KindSuggestion, model.KindAgreement:
		default:
			return eris.Errorf("heuristic: pattern %s has unknown kind %q", p.Name, p.Kind)
		}
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return eris.Wrapf(err, "heuristic: compile pattern %s", p.Name)
		}
		p.re = re
	}
	for i, c := range r.URLCategories {
		if c.Category == "" || len(c.Hosts) == 0 {
			return eris.Errorf("heuristic: url category %d needs a name and hosts", i)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return eris.Errorf("heuristic: url category %s confidence %v out of [0,1]", c.Category, c.Confidence)
		}
		for j, h := range c.Hosts {
			r.URLCategories[i].Hosts[j] = strings.TrimPrefix(strings.ToLower(h), "www.")
		}
	}
	return nil
}
