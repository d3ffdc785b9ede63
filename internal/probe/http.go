package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// maxDrainBytes bounds how much of a probe response body is read before
// the connection is returned to the pool.
const maxDrainBytes = 4 << 10

// HTTPProbe issues GET <scheme>://<address><path> and treats any 2xx
// response as healthy. An address that already carries a scheme is used
// as the base URL unchanged.
type HTTPProbe struct {
	client *http.Client
	scheme string
	path   string
}

// NewHTTPProbe creates an HTTP probe. Empty scheme and path default to
// http and /health.
func NewHTTPProbe(scheme, path string) *HTTPProbe {
	if scheme == "" {
		scheme = "http"
	}
	if path == "" {
		path = config.DefaultHTTPProbePath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProbe{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		scheme: scheme,
		path:   path,
	}
}

func (p *HTTPProbe) url(address string) string {
	base := address
	if !strings.Contains(address, "://") {
		base = p.scheme + "://" + address
	}
	return strings.TrimRight(base, "/") + p.path
}

// Probe implements pool.Probe.
func (p *HTTPProbe) Probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(address), http.NoBody)
	if err != nil {
		return 0, util.NewProbeError(address, "invalid request", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, util.NewProbeError(address, "request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return latency, util.NewProbeError(address, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	return latency, nil
}
