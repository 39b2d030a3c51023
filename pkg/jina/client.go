// Package jina provides a client for the Jina AI Reader and embeddings APIs.
package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/chatmap-cli/internal/resilience"
)

const service = "jina"

// Client defines the Jina operations used by the pipeline.
type Client interface {
	// Read fetches a URL via Jina AI Reader and returns its metadata and content.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error)
}

// ReadResponse is the parsed Jina API response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the content from Jina.
type ReadData struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	Usage       ReadUsage `json:"usage"`
}

// ReadUsage tracks token consumption.
type ReadUsage struct {
	Tokens int `json:"tokens"`
}

// EmbedResponse carries the embeddings of one request.
type EmbedResponse struct {
	Embeddings  [][]float32
	TotalTokens int
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom Reader base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithEmbedBaseURL sets a custom embeddings base URL (for testing).
func WithEmbedBaseURL(url string) Option {
	return func(c *httpClient) {
		c.embedBaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey       string
	baseURL      string
	embedBaseURL string
	http         *http.Client
	limiter      *rate.Limiter
}

// NewClient creates a new Jina client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:       apiKey,
		baseURL:      "https://r.jina.ai",
		embedBaseURL: "https://api.jina.ai/v1",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends req and returns the body of a 200 response. Any other outcome
// is a *resilience.CallError.
func (c *httpClient) do(req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, resilience.NewCallError(service, resilience.KindNetwork, err)
		}
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindNetwork, eris.Wrap(err, "jina: read response body"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.FromStatus(service, resp.StatusCode, eris.Errorf("jina: status %d: %s", resp.StatusCode, truncate(body, 200)))
	}
	return body, nil
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	reqURL := fmt.Sprintf("%s/%s", c.baseURL, targetURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidRequest, eris.Wrap(err, "jina: create request"))
	}
	req.Header.Set("X-Return-Format", "markdown")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result ReadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidResponse, eris.Wrap(err, "jina: unmarshal response"))
	}
	return &result, nil
}

func (c *httpClient) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	if len(texts) == 0 {
		return &EmbedResponse{}, nil
	}

	payload, err := json.Marshal(embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidRequest, eris.Wrap(err, "jina: encode embed request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.embedBaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidRequest, eris.Wrap(err, "jina: create embed request"))
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var raw embedResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidResponse, eris.Wrap(err, "jina: unmarshal embed response"))
	}
	if len(raw.Data) != len(texts) {
		return nil, resilience.NewCallError(service, resilience.KindInvalidResponse,
			eris.Errorf("jina: got %d embeddings for %d inputs", len(raw.Data), len(texts)))
	}

	sort.Slice(raw.Data, func(i, j int) bool { return raw.Data[i].Index < raw.Data[j].Index })
	out := &EmbedResponse{Embeddings: make([][]float32, len(raw.Data)), TotalTokens: raw.Usage.TotalTokens}
	for i, d := range raw.Data {
		out.Embeddings[i] = d.Embedding
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
