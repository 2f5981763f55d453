package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/licensemap/licensemap/internal/resilience"
)

const (
	mapboxPlacesURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"

	// Mapbox has no batch endpoint; the pool parallelizes per-address
	// calls, so batches stay small.
	mapboxMaxBatch = 200
)

// MapboxProvider geocodes one address per request against the Mapbox
// places API. Low per-request latency makes it the fast lane for routine
// daily deltas.
type MapboxProvider struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	accessToken string
}

// MapboxOption configures a MapboxProvider.
type MapboxOption func(*MapboxProvider)

// WithMapboxHTTPClient sets a custom HTTP client.
func WithMapboxHTTPClient(hc *http.Client) MapboxOption {
	return func(p *MapboxProvider) { p.httpClient = hc }
}

// WithMapboxRateLimit sets the requests-per-second limit.
func WithMapboxRateLimit(rps float64) MapboxOption {
	return func(p *MapboxProvider) { p.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)) }
}

// NewMapboxProvider creates a MapboxProvider with the given access token.
func NewMapboxProvider(accessToken string, opts ...MapboxOption) *MapboxProvider {
	p := &MapboxProvider{
		httpClient:  defaultHTTPClient(),
		limiter:     rate.NewLimiter(10, 10),
		accessToken: accessToken,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *MapboxProvider) Name() string { return "mapbox" }

// MaxBatchSize implements Provider.
func (p *MapboxProvider) MaxBatchSize() int { return mapboxMaxBatch }

type mapboxResponse struct {
	Features []struct {
		Center []float64 `json:"center"` // [lon, lat]
	} `json:"features"`
}

// Geocode implements Provider.
func (p *MapboxProvider) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	if p.accessToken == "" {
		return nil, resilience.Permanent(eris.New("mapbox: access token not configured"), 0)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "mapbox: rate limit")
	}

	query := url.PathEscape(formatOneLine(addr))
	params := url.Values{
		"access_token": {p.accessToken},
		"country":      {"us"},
		"limit":        {"1"},
	}
	reqURL := fmt.Sprintf("%s/%s.json?%s", mapboxPlacesURL, query, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "mapbox: build request")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "mapbox: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("mapbox: status %d", resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, resilience.Permanent(err, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "mapbox: read body"), 0)
	}

	var parsed mapboxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "mapbox: parse response")
	}
	if len(parsed.Features) == 0 || len(parsed.Features[0].Center) < 2 {
		return &Result{ID: addr.ID, Matched: false, Source: p.Name()}, nil
	}

	center := parsed.Features[0].Center
	return &Result{
		ID:        addr.ID,
		Latitude:  center[1],
		Longitude: center[0],
		Source:    p.Name(),
		Matched:   true,
	}, nil
}

// BatchGeocode implements Provider by geocoding addresses sequentially.
// Parallelism across batches belongs to the caller's worker pool; the
// rate limiter governs the request pace either way.
func (p *MapboxProvider) BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error) {
	results := make([]Result, len(addrs))
	for i, addr := range addrs {
		r, err := p.Geocode(ctx, addr)
		if err != nil {
			return nil, err
		}
		results[i] = *r
	}
	return results, nil
}
