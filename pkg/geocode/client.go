// Package geocode provides address geocoding via the Census batch
// geocoder (bulk lane) and Mapbox (fast lane).
package geocode

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// AddressInput is an address to geocode. ID correlates batch responses
// back to their input rows.
type AddressInput struct {
	ID     string
	Street string
	City   string
	State  string
	Zip    string
}

// Result holds the geocoding output for one address. An unmatched
// address is not an error: Matched is false and the coordinates are zero.
type Result struct {
	ID        string
	Latitude  float64
	Longitude float64
	Source    string
	Matched   bool
}

// Provider is a single geocoding backend.
type Provider interface {
	// Name identifies the provider in logs and cache entries.
	Name() string

	// MaxBatchSize is the largest batch one BatchGeocode call accepts.
	MaxBatchSize() int

	// Geocode resolves a single address.
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)

	// BatchGeocode resolves a batch, returning one Result per input in
	// input order.
	BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error)
}

// defaultHTTPClient applies the hard per-request ceiling so a stalled
// provider cannot block a run indefinitely.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// formatOneLine renders an address as a single comma-separated line.
func formatOneLine(addr AddressInput) string {
	parts := []string{addr.Street, addr.City, addr.State, addr.Zip}
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}
