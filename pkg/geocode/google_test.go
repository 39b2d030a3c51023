package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chatmap-cli/internal/resilience"
)

func newTestServer(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGeocode_Match(t *testing.T) {
	srv, _ := newTestServer(t, `{
		"status": "OK",
		"results": [{
			"formatted_address": "Queenstown 9300, New Zealand",
			"geometry": {"location": {"lat": -45.03, "lng": 168.66}, "location_type": "APPROXIMATE"}
		}]
	}`, http.StatusOK)

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(100))
	res, err := client.Geocode(context.Background(), "Queenstown, New Zealand")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.InDelta(t, -45.03, res.Latitude, 1e-9)
	assert.InDelta(t, 168.66, res.Longitude, 1e-9)
	assert.Equal(t, "Queenstown 9300, New Zealand", res.FormattedAddress)
	assert.Equal(t, "approximate", res.Quality)
}

func TestGeocode_TrimsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("address")
		w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Geocode(context.Background(), "  Mt Cook  ")
	require.NoError(t, err)
	assert.Equal(t, "Mt Cook", gotQuery)
}

func TestGeocode_ZeroResults(t *testing.T) {
	srv, _ := newTestServer(t, `{"status":"ZERO_RESULTS","results":[]}`, http.StatusOK)

	res, err := NewClient("test-key", WithBaseURL(srv.URL)).Geocode(context.Background(), "nowhere at all")
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestGeocode_EmptyQuerySkipsRequest(t *testing.T) {
	srv, calls := newTestServer(t, `{}`, http.StatusOK)

	res, err := NewClient("test-key", WithBaseURL(srv.URL)).Geocode(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Zero(t, calls.Load())
}

func TestGeocode_StatusErrors(t *testing.T) {
	tests := []struct {
		status string
		kind   resilience.Kind
	}{
		{"OVER_QUERY_LIMIT", resilience.KindRateLimit},
		{"OVER_DAILY_LIMIT", resilience.KindQuota},
		{"REQUEST_DENIED", resilience.KindAuth},
		{"INVALID_REQUEST", resilience.KindInvalidRequest},
		{"UNKNOWN_ERROR", resilience.KindNetwork},
		{"SOMETHING_NEW", resilience.KindInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			srv, _ := newTestServer(t, `{"status":"`+tt.status+`","error_message":"x"}`, http.StatusOK)
			_, err := NewClient("test-key", WithBaseURL(srv.URL)).Geocode(context.Background(), "Paris")
			require.Error(t, err)
			kind, ok := resilience.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestGeocode_HTTPError(t *testing.T) {
	srv, _ := newTestServer(t, `oops`, http.StatusServiceUnavailable)
	_, err := NewClient("test-key", WithBaseURL(srv.URL)).Geocode(context.Background(), "Paris")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGeocode_BadJSON(t *testing.T) {
	srv, _ := newTestServer(t, `{`, http.StatusOK)
	_, err := NewClient("test-key", WithBaseURL(srv.URL)).Geocode(context.Background(), "Paris")
	kind, _ := resilience.KindOf(err)
	assert.Equal(t, resilience.KindInvalidResponse, kind)
}

func TestGeocode_NoKey(t *testing.T) {
	_, err := NewClient("").Geocode(context.Background(), "Paris")
	kind, _ := resilience.KindOf(err)
	assert.Equal(t, resilience.KindAuth, kind)
}

func TestGoogleLocationTypeToQuality(t *testing.T) {
	assert.Equal(t, "rooftop", googleLocationTypeToQuality("ROOFTOP"))
	assert.Equal(t, "range", googleLocationTypeToQuality("range_interpolated"))
	assert.Equal(t, "centroid", googleLocationTypeToQuality("GEOMETRIC_CENTER"))
	assert.Equal(t, "approximate", googleLocationTypeToQuality(""))
}
