package geocode

import (
	"net/http"
	"strings"
)

// redirectingClient builds an HTTP client that sends every request for
// the given provider base URL to a local test server instead. Requests
// outside the base URL pass through untouched.
func redirectingClient(base, testServer string) *http.Client {
	return &http.Client{Transport: &redirectTransport{base: base, server: testServer}}
}

// redirectTransport swaps the provider host for the test server host,
// keeping whatever path and query follow the base URL.
type redirectTransport struct {
	base   string
	server string
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := req.URL.String()
	if !strings.HasPrefix(target, t.base) {
		return http.DefaultTransport.RoundTrip(req)
	}
	rewritten, err := req.URL.Parse(t.server + strings.TrimPrefix(target, t.base))
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.URL = rewritten
	clone.Host = rewritten.Host
	return http.DefaultTransport.RoundTrip(clone)
}
