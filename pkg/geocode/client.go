// Package geocode resolves free-text place descriptions to coordinates via
// the Google Geocoding API.
package geocode

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	service          = "geocode"
	googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"
)

// Client geocodes free-text location queries.
type Client interface {
	// Geocode returns the best match for query. A query with no match is
	// not an error: the result has Matched=false.
	Geocode(ctx context.Context, query string) (*Result, error)
}

// Result holds the geocoding output for a query.
type Result struct {
	Latitude         float64 `json:"lat"`
	Longitude        float64 `json:"lng"`
	FormattedAddress string  `json:"formatted_address,omitempty"`
	Quality          string  `json:"quality,omitempty"` // "rooftop", "range", "centroid", "approximate"
	Matched          bool    `json:"matched"`
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithBaseURL overrides the Google endpoint (for testing).
func WithBaseURL(u string) Option {
	return func(g *geocoder) {
		g.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second rate limit.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := max(int(rps), 1)
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type geocoder struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a Google geocoding Client.
func NewClient(apiKey string, opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiKey:     apiKey,
		baseURL:    googleGeocodeURL,
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}
