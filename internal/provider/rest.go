package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devmetrics/contrib-count/internal/providerapi"
)

// restClient is the raw REST plumbing shared by the providers that are not
// backed by a typed SDK. Retry and rate-limit behavior comes from the wrapped
// providerapi.Client; authentication is applied per request.
type restClient struct {
	name       string
	base       *url.URL
	client     *providerapi.Client
	httpClient *http.Client
	authorize  func(*http.Request)
}

func newRESTClient(name, baseURL, fallback string, opts Options, authorize func(*http.Request)) (*restClient, error) {
	base, err := parseBaseURL(baseURL, fallback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	httpClient := &http.Client{Timeout: opts.timeout()}
	return &restClient{
		name:       name,
		base:       base,
		client:     providerapi.NewClient(httpClient, opts.Retry, opts.RateLimit),
		httpClient: httpClient,
		authorize:  authorize,
	}, nil
}

func parseBaseURL(raw, fallback string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = fallback
	}
	if trimmed == "" {
		return nil, fmt.Errorf("base url is required")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse base url: missing scheme or host")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed, nil
}

// endpoint clones the base URL and appends path segments. Segments are kept
// escaped on the wire, so a "group/project" path lands as one segment.
func (r *restClient) endpoint(segments ...string) *url.URL {
	cloned := *r.base
	var path, rawPath strings.Builder
	path.WriteString(cloned.Path)
	rawPath.WriteString(cloned.EscapedPath())
	for _, segment := range segments {
		path.WriteString("/")
		path.WriteString(segment)
		rawPath.WriteString("/")
		rawPath.WriteString(url.PathEscape(segment))
	}
	cloned.Path = path.String()
	cloned.RawPath = rawPath.String()
	return &cloned
}

// getJSON issues a GET and decodes the body into target on 2xx. The status
// code is returned for caller-side classification of non-2xx responses.
func (r *restClient) getJSON(ctx context.Context, reqURL string, target any) (int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.authorize != nil {
		r.authorize(req)
	}

	resp, _, err := r.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", r.name, err)
	}
	if resp == nil {
		return 0, nil, fmt.Errorf("%s request failed: nil response", r.name)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return resp.StatusCode, resp.Header, nil
	}

	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return resp.StatusCode, resp.Header, fmt.Errorf("decode %s response: %w", r.name, err)
	}
	return resp.StatusCode, resp.Header, nil
}

// classifyStatus maps terminal HTTP statuses onto the error taxonomy shared
// by all providers. Throttling and 5xx never reach this point; the request
// client retries them internally.
func (r *restClient) classifyStatus(status int, resource string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Provider: r.name, Err: fmt.Errorf("status %d", status)}
	case http.StatusNotFound:
		return &NotFoundError{Provider: r.name, Resource: resource}
	default:
		return fmt.Errorf("%s: unexpected status %d for %s", r.name, status, resource)
	}
}

func (r *restClient) Close() error {
	if r.httpClient != nil {
		r.httpClient.CloseIdleConnections()
	}
	return nil
}

func parseRFC3339(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

// withinWindow reports whether ts falls inside [since, until). A zero until
// means no upper bound.
func withinWindow(ts, since, until time.Time) bool {
	if ts.IsZero() {
		return false
	}
	if !since.IsZero() && ts.Before(since) {
		return false
	}
	if !until.IsZero() && !ts.Before(until) {
		return false
	}
	return true
}
