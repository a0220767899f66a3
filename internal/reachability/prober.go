// Package reachability answers one question for the sync processor: is the
// remote authority worth contacting right now.
package reachability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Prober reports whether the remote authority is reachable.
type Prober interface {
	IsReachable(ctx context.Context) bool
}

// HTTPProberConfig configures an HTTP reachability probe.
type HTTPProberConfig struct {
	ProbeURL   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPProber issues a cheap HEAD request against the API base. Any response,
// including an error status, counts as reachable; only transport failures do not.
type HTTPProber struct {
	probeURL   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPProber constructs an HTTPProber.
func NewHTTPProber(cfg HTTPProberConfig) (*HTTPProber, error) {
	probeURL := strings.TrimSpace(cfg.ProbeURL)
	if probeURL == "" {
		return nil, errors.New("reachability: probe url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPProber{probeURL: probeURL, httpClient: httpClient, timeout: timeout}, nil
}

// IsReachable reports whether the probe endpoint answered at all.
func (p *HTTPProber) IsReachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// StaticProber reports a fixed reachability state. Useful for tests.
type StaticProber struct {
	Reachable bool
}

// IsReachable returns the fixed state.
func (p StaticProber) IsReachable(_ context.Context) bool {
	return p.Reachable
}
