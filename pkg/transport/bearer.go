package transport

import "net/http"

// bearerRoundTripper injects an Authorization header on every request of
// an outbound connection.
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (b *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(req)
}

// bearerClient wraps base so every request carries the bearer token. An
// empty token returns base unchanged.
func bearerClient(token string, base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if token == "" {
		return base
	}

	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	wrapped := *base
	wrapped.Transport = &bearerRoundTripper{token: token, base: rt}
	return &wrapped
}
