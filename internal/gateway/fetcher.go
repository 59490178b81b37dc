package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/medagent/internal/ratelimit"
	"github.com/fyrsmithlabs/medagent/internal/retry"
)

// maxBodySize bounds a single response body.
const maxBodySize = 16 << 20

// httpFetcher is the sources.Fetcher handed to one source. Every attempt
// takes a token from the source's bucket and runs under its own timeout.
type httpFetcher struct {
	source    string
	client    *http.Client
	limiter   *ratelimit.Registry
	retry     *retry.Executor
	timeout   time.Duration
	userAgent string
}

func (f *httpFetcher) Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	target := endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	name := f.source + " GET " + pathOf(endpoint)
	return retry.Do(ctx, f.retry, name, func(ctx context.Context) ([]byte, error) {
		if err := f.limiter.Acquire(ctx, f.source); err != nil {
			return nil, retry.MarkTerminal(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
		if err != nil {
			return nil, retry.MarkTerminal(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json, application/xml;q=0.9")
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &retry.StatusError{
				Code: resp.StatusCode,
				URL:  endpoint,
				Body: snippet(body),
			}
		}
		return body, nil
	})
}

func pathOf(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" {
		return u.Path
	}
	return endpoint
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
