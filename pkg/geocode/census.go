package geocode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/licensemap/licensemap/internal/resilience"
)

const (
	censusOneLineURL = "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress"
	censusBatchURL   = "https://geocoding.geo.census.gov/geocoder/locations/addressbatch"
	censusBenchmark  = "Public_AR_Current"

	// The batch endpoint accepts up to 10k rows; 5k keeps well clear of
	// server-side timeouts.
	censusMaxBatch = 5000
)

// CensusProvider geocodes via the free US Census geocoder. Its batch
// endpoint makes it the bulk lane of choice for backfills.
type CensusProvider struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// CensusOption configures a CensusProvider.
type CensusOption func(*CensusProvider)

// WithCensusHTTPClient sets a custom HTTP client.
func WithCensusHTTPClient(hc *http.Client) CensusOption {
	return func(p *CensusProvider) { p.httpClient = hc }
}

// WithCensusRateLimit sets the requests-per-second limit.
func WithCensusRateLimit(rps float64) CensusOption {
	return func(p *CensusProvider) { p.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)) }
}

// NewCensusProvider creates a CensusProvider with the given options.
func NewCensusProvider(opts ...CensusOption) *CensusProvider {
	p := &CensusProvider{
		httpClient: defaultHTTPClient(),
		limiter:    rate.NewLimiter(2, 2),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *CensusProvider) Name() string { return "census" }

// MaxBatchSize implements Provider.
func (p *CensusProvider) MaxBatchSize() int { return censusMaxBatch }

type censusOneLineResponse struct {
	Result struct {
		AddressMatches []struct {
			Coordinates struct {
				X float64 `json:"x"` // longitude
				Y float64 `json:"y"` // latitude
			} `json:"coordinates"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// Geocode implements Provider using the one-line address endpoint.
func (p *CensusProvider) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "census: rate limit")
	}

	params := url.Values{
		"address":   {formatOneLine(addr)},
		"benchmark": {censusBenchmark},
		"format":    {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, censusOneLineURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "census: build request")
	}

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var parsed censusOneLineResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "census: parse response")
	}
	if len(parsed.Result.AddressMatches) == 0 {
		return &Result{ID: addr.ID, Matched: false, Source: p.Name()}, nil
	}

	match := parsed.Result.AddressMatches[0]
	return &Result{
		ID:        addr.ID,
		Latitude:  match.Coordinates.Y,
		Longitude: match.Coordinates.X,
		Source:    p.Name(),
		Matched:   true,
	}, nil
}

// BatchGeocode implements Provider using the multipart batch endpoint.
func (p *CensusProvider) BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	if len(addrs) > censusMaxBatch {
		return nil, eris.Errorf("census: batch of %d exceeds limit %d", len(addrs), censusMaxBatch)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "census: batch rate limit")
	}

	// Rows are "id,street,city,state,zip" with no header.
	var csv strings.Builder
	idToIdx := make(map[string]int, len(addrs))
	for i, addr := range addrs {
		id := addr.ID
		if id == "" {
			id = strconv.Itoa(i)
		}
		idToIdx[id] = i
		fmt.Fprintf(&csv, "%s,%s,%s,%s,%s\n", id, sanitizeField(addr.Street), sanitizeField(addr.City), addr.State, addr.Zip)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("benchmark", censusBenchmark); err != nil {
		return nil, eris.Wrap(err, "census: batch write benchmark")
	}
	part, err := writer.CreateFormFile("addressFile", "addresses.csv")
	if err != nil {
		return nil, eris.Wrap(err, "census: batch create form file")
	}
	if _, err := io.WriteString(part, csv.String()); err != nil {
		return nil, eris.Wrap(err, "census: batch write csv")
	}
	if err := writer.Close(); err != nil {
		return nil, eris.Wrap(err, "census: batch close writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, censusBatchURL, &buf)
	if err != nil {
		return nil, eris.Wrap(err, "census: batch build request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	return p.parseBatchResponse(string(body), idToIdx, len(addrs)), nil
}

// do executes the request and classifies HTTP failures for the retry
// layer: 5xx/429 transient, other non-200 permanent.
func (p *CensusProvider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "census: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("census: status %d", resp.StatusCode)
		if resilience.RetryableStatus(resp.StatusCode) {
			return nil, resilience.Transient(err, resp.StatusCode)
		}
		return nil, resilience.Permanent(err, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "census: read body"), 0)
	}
	return body, nil
}

// parseBatchResponse parses the batch CSV response. Rows look like:
// "id","input address","Match","Exact","matched address","lon,lat",tigerid,side
func (p *CensusProvider) parseBatchResponse(body string, idToIdx map[string]int, total int) []Result {
	results := make([]Result, total)
	for i := range results {
		results[i] = Result{Matched: false, Source: p.Name()}
	}

	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := splitCSVLine(line)
		if len(fields) < 6 {
			continue
		}

		id := strings.Trim(fields[0], "\"")
		idx, ok := idToIdx[id]
		if !ok {
			continue
		}
		results[idx].ID = id

		if !strings.EqualFold(strings.Trim(fields[2], "\""), "Match") {
			continue
		}
		lon, lat, err := parseCoordPair(strings.Trim(fields[5], "\""))
		if err != nil {
			continue
		}
		results[idx] = Result{
			ID:        id,
			Latitude:  lat,
			Longitude: lon,
			Source:    p.Name(),
			Matched:   true,
		}
	}
	return results
}

// parseCoordPair parses the "lon,lat" pair from a batch response row.
func parseCoordPair(coords string) (lon, lat float64, err error) {
	parts := strings.SplitN(coords, ",", 2)
	if len(parts) != 2 {
		return 0, 0, eris.Errorf("census: invalid coords %q", coords)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, eris.Wrap(err, "census: parse lon")
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, eris.Wrap(err, "census: parse lat")
	}
	return lon, lat, nil
}

// splitCSVLine splits on commas outside quoted fields.
func splitCSVLine(line string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false
	for _, ch := range line {
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteRune(ch)
		case ch == ',' && !inQuotes:
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteRune(ch)
		}
	}
	fields = append(fields, current.String())
	return fields
}

// sanitizeField strips commas that would corrupt the unquoted request CSV.
func sanitizeField(s string) string {
	return strings.ReplaceAll(s, ",", " ")
}
