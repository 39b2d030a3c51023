package pipeline

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/pkg/jina"
)

const (
	defaultScrapeConcurrency = 5
	defaultScrapeTimeout     = 4 * time.Second
)

// LinkMeta is what a scrape learns about a URL.
type LinkMeta struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Empty reports whether the scrape found nothing worth showing.
func (m LinkMeta) Empty() bool {
	return strings.TrimSpace(m.Title) == "" && strings.TrimSpace(m.Description) == ""
}

// scrape fetches metadata for every distinct candidate URL and appends it
// to the candidate context. Failures, blocked pages included, only leave the
// candidate unchanged.
func (p *Pipeline) scrape(ctx context.Context, st *runState, candidates []model.Candidate) ([]model.Candidate, stageInfo, error) {
	var urls []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		for _, u := range c.URLs {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}

	concurrency := p.cfg.Scrape.Concurrency
	if concurrency <= 0 {
		concurrency = defaultScrapeConcurrency
	}
	timeout := time.Duration(p.cfg.Scrape.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultScrapeTimeout
	}

	var (
		mu     sync.Mutex
		metas  = make(map[string]LinkMeta, len(urls))
		failed atomic.Int64
		hits   atomic.Int64
	)
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, u := range urls {
		g.Go(func() error {
			meta, hit, err := p.fetchLink(ctx, u, timeout)
			if hit {
				hits.Add(1)
				p.deps.Observer.RequestCacheHit(cache.KindScrape, u)
			}
			if err != nil {
				failed.Add(1)
				st.log.Debug("pipeline: scrape failed", zap.String("url", u), zap.Bool("cache_hit", hit), zap.Error(err))
				return nil
			}
			if !meta.Empty() {
				mu.Lock()
				metas[u] = meta
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Candidate, len(candidates))
	for i, c := range candidates {
		out[i] = withLinkContext(c, metas)
	}
	return out, stageInfo{Meta: map[string]any{
		"urls":       len(urls),
		"enriched":   len(metas),
		"failed":     int(failed.Load()),
		"cache_hits": int(hits.Load()),
	}}, nil
}

func (p *Pipeline) fetchLink(ctx context.Context, u string, timeout time.Duration) (LinkMeta, bool, error) {
	opts := cache.MemoOptions{
		Service:      "jina",
		CacheFailure: func(error) bool { return true },
	}
	return cache.Memo(ctx, p.requests, cache.ScrapeKey(u), opts, func(ctx context.Context) (LinkMeta, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := p.deps.Reader.Read(callCtx, u)
		if err != nil {
			return LinkMeta{}, err
		}
		if err := ValidateJinaResponse(resp); err != nil {
			return LinkMeta{}, err
		}
		return metaFromRead(u, resp), nil
	})
}

func metaFromRead(u string, resp *jina.ReadResponse) LinkMeta {
	return LinkMeta{
		URL:         u,
		Title:       strings.TrimSpace(resp.Data.Title),
		Description: truncateRunes(strings.TrimSpace(resp.Data.Description), 280),
	}
}

// withLinkContext returns c with one "[link]" line per scraped URL appended
// to its context. A candidate without context gets its own line first so
// the classifier still sees the message.
func withLinkContext(c model.Candidate, metas map[string]LinkMeta) model.Candidate {
	var lines []string
	for _, u := range c.URLs {
		m, ok := metas[u]
		if !ok {
			continue
		}
		line := "[link] " + m.Title
		if m.Description != "" {
			line += " - " + m.Description
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	if len(lines) == 0 {
		return c
	}
	base := strings.TrimSpace(c.Context)
	if base == "" {
		base = c.Sender + ": " + c.Content
	}
	c.Context = strings.Join(append([]string{base}, lines...), "\n")
	c.URLs = slices.Clone(c.URLs)
	return c
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
