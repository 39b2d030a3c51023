package heuristic

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/sells-group/chatmap-cli/internal/model"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

// Extractor produces pattern and URL candidates from messages.
type Extractor struct {
	rules       Rules
	contextSize int
}

// New compiles rules into an Extractor. contextSize is the number of
// neighbouring messages on each side included in a candidate's context.
func New(rules Rules, contextSize int) (*Extractor, error) {
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &Extractor{rules: rules, contextSize: max(contextSize, 0)}, nil
}

// Extract returns at most one candidate per message: the best matching
// suggestion rule, or the best agreement rule when no suggestion rule
// matches. Among equals patterns win over URL categories and earlier
// rules over later ones.
func (e *Extractor) Extract(messages []model.Message) []model.Candidate {
	var out []model.Candidate
	for i, msg := range messages {
		urls := messageURLs(msg)
		best, ok := e.bestMatch(msg.Content, urls)
		if !ok {
			continue
		}
		best.MessageID = msg.ID
		best.Content = msg.Content
		best.Sender = msg.Sender
		best.Timestamp = msg.Timestamp
		best.URLs = urls
		best.Context = e.context(messages, i)
		out = append(out, best)
	}
	return out
}

func (e *Extractor) bestMatch(content string, urls []string) (model.Candidate, bool) {
	var best model.Candidate
	found := false
	consider := func(c model.Candidate) {
		switch {
		case !found:
		case best.Kind == model.KindAgreement && c.Kind == model.KindSuggestion:
		case best.Kind == c.Kind && c.Confidence > best.Confidence:
		default:
			return
		}
		best, found = c, true
	}

	for _, p := range e.rules.Patterns {
		if p.re.MatchString(content) {
			consider(model.Candidate{
				Source:     model.Source{Type: model.SourcePattern, Pattern: p.Name},
				Confidence: p.Confidence,
				Kind:       p.Kind,
			})
		}
	}
	for _, u := range urls {
		if cat, ok := e.categorize(u); ok {
			consider(model.Candidate{
				Source:     model.Source{Type: model.SourceURL, URLCategory: cat.Category},
				Confidence: cat.Confidence,
				Kind:       model.KindSuggestion,
			})
		}
	}
	return best, found
}

func (e *Extractor) categorize(raw string) (URLCategory, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return URLCategory{}, false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, c := range e.rules.URLCategories {
		for _, h := range c.Hosts {
			if hostMatches(host, u.Path, h) {
				return c, true
			}
		}
	}
	return URLCategory{}, false
}

// hostMatches reports whether host/path falls under rule, which is a
// domain optionally followed by a path prefix.
func hostMatches(host, path, rule string) bool {
	domain, prefix, _ := strings.Cut(rule, "/")
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return false
	}
	return prefix == "" || strings.HasPrefix(strings.TrimPrefix(path, "/"), prefix)
}

func (e *Extractor) context(messages []model.Message, i int) string {
	lo := max(i-e.contextSize, 0)
	hi := min(i+e.contextSize, len(messages)-1)
	var b strings.Builder
	for j := lo; j <= hi; j++ {
		b.WriteString(messages[j].Sender)
		b.WriteString(": ")
		b.WriteString(messages[j].Content)
		if j < hi {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// messageURLs returns the parser-supplied URLs, or those found in the text
// when the parser supplied none.
func messageURLs(msg model.Message) []string {
	if len(msg.URLs) > 0 {
		return msg.URLs
	}
	return urlRe.FindAllString(msg.Content, -1)
}
