package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/internal/resilience"
)

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
	FormattedAddress string `json:"formatted_address"`
}

func (g *geocoder) Geocode(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Result{Matched: false}, nil
	}
	if g.apiKey == "" {
		return nil, resilience.NewCallError(service, resilience.KindAuth, eris.New("geocode: google api key not configured"))
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, resilience.NewCallError(service, resilience.KindNetwork, eris.Wrap(err, "geocode: google rate limit"))
	}

	params := url.Values{
		"address": {query},
		"key":     {g.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidRequest, eris.Wrap(err, "geocode: google build request"))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindNetwork, eris.Wrap(err, "geocode: google request"))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.FromStatus(service, resp.StatusCode, eris.Errorf("geocode: google returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewCallError(service, resilience.KindNetwork, eris.Wrap(err, "geocode: google read body"))
	}

	var googleResp googleGeocodeResponse
	if err := json.Unmarshal(body, &googleResp); err != nil {
		return nil, resilience.NewCallError(service, resilience.KindInvalidResponse, eris.Wrap(err, "geocode: google parse response"))
	}

	switch googleResp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return &Result{Matched: false}, nil
	default:
		return nil, resilience.NewCallError(service, statusKind(googleResp.Status),
			eris.Errorf("geocode: google status %s: %s", googleResp.Status, googleResp.ErrorMessage))
	}
	if len(googleResp.Results) == 0 {
		return &Result{Matched: false}, nil
	}

	result := googleResp.Results[0]
	return &Result{
		Latitude:         result.Geometry.Location.Lat,
		Longitude:        result.Geometry.Location.Lng,
		FormattedAddress: result.FormattedAddress,
		Quality:          googleLocationTypeToQuality(result.Geometry.LocationType),
		Matched:          true,
	}, nil
}

// statusKind maps a Google API status to a failure kind.
func statusKind(status string) resilience.Kind {
	switch status {
	case "OVER_QUERY_LIMIT":
		return resilience.KindRateLimit
	case "OVER_DAILY_LIMIT":
		return resilience.KindQuota
	case "REQUEST_DENIED":
		return resilience.KindAuth
	case "INVALID_REQUEST":
		return resilience.KindInvalidRequest
	case "UNKNOWN_ERROR":
		return resilience.KindNetwork
	default:
		return resilience.KindInvalidResponse
	}
}

// googleLocationTypeToQuality maps Google's location_type to our quality taxonomy.
func googleLocationTypeToQuality(locType string) string {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return "rooftop"
	case "RANGE_INTERPOLATED":
		return "range"
	case "GEOMETRIC_CENTER":
		return "centroid"
	default:
		return "approximate"
	}
}
