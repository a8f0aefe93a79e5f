package oauth

import (
	"errors"
	"fmt"
)

// ErrReauthorizationRequired signals that the gateway holds no usable token
// for a backend and a new user-driven authorization flow is needed. Returned
// when no token is stored, when a token expired without a refresh token, or
// when a refresh grant is rejected.
var ErrReauthorizationRequired = errors.New("reauthorization required")

// DiscoveryError reports a failure to locate or parse a backend's
// authorization server metadata.
type DiscoveryError struct {
	ServerURL string
	Err       error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("oauth discovery for %s: %v", e.ServerURL, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// ExchangeError reports a failed interaction with a token or registration
// endpoint: a non-2xx response or invalid flow state.
type ExchangeError struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth exchange with %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("oauth exchange with %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}
