// Package assessment is a client for the external website-assessment API.
// The purchase page uses it to show a limited preview of the audit a buyer
// is about to pay for.
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sitegrade/purchaselink/internal/circuitbreaker"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/metrics"
	"github.com/sitegrade/purchaselink/internal/retry"
	"github.com/sitegrade/purchaselink/internal/traces"
)

var (
	ErrNotFound    = errors.New("assessment: no assessment for business")
	ErrRejected    = errors.New("assessment: request rejected by upstream")
	ErrUnavailable = errors.New("assessment: upstream unavailable")
)

const (
	defaultTimeout   = 10 * time.Second
	defaultCacheTTL  = 10 * time.Minute
	maxResponseBytes = 1 << 20
	// MaxPreviewPages bounds the pages query parameter.
	MaxPreviewPages = 20
)

// Issue is a single finding on an assessed page.
type Issue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// PagePreview summarises one assessed page.
type PagePreview struct {
	URL    string  `json:"url"`
	Title  string  `json:"title,omitempty"`
	Score  int     `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

// Preview is the subset of an assessment shown before purchase.
type Preview struct {
	BusinessID   string        `json:"businessId"`
	OverallScore int           `json:"overallScore"`
	Pages        []PagePreview `json:"pages"`
	GeneratedAt  time.Time     `json:"generatedAt"`
}

// Client calls the assessment API. Safe for concurrent use.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	httpClient  *http.Client
	breaker     *circuitbreaker.Breaker
	cache       Cache
	cacheTTL    time.Duration
	retry       retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache enables response caching for ttl.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithRetry overrides the retry budget.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retry.Attempts = maxAttempts
		c.retry.BaseDelay = baseDelay
	}
}

// NewBreaker returns the circuit breaker the client uses by default: five
// consecutive outages open it for thirty seconds. Not-found and rejected
// lookups are not outages.
func NewBreaker(opts ...circuitbreaker.Option) *circuitbreaker.Breaker {
	opts = append([]circuitbreaker.Option{circuitbreaker.WithOutageFilter(countsAsOutage)}, opts...)
	return circuitbreaker.New(5, 30*time.Second, opts...)
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("assessment: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL:     u,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		breaker:     NewBreaker(),
		cacheTTL:    defaultCacheTTL,
		retry:       retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Preview fetches the assessment preview for businessID limited to pages pages.
func (c *Client) Preview(ctx context.Context, businessID string, pages int) (*Preview, error) {
	pages = max(1, min(pages, MaxPreviewPages))
	ctx, span := traces.StartSpan(ctx, "assessment.Preview", traces.BusinessID(businessID))
	defer span.End()

	key := cacheKey(businessID, pages)
	if c.cache != nil {
		if data, ok, err := c.cache.Get(ctx, key); err != nil {
			logging.L(ctx).Warn("assessment cache read failed", "error", err)
		} else if ok {
			var p Preview
			if err := json.Unmarshal(data, &p); err == nil {
				metrics.AssessmentRequestsTotal.WithLabelValues("cached").Inc()
				return &p, nil
			}
		}
	}

	timer := time.Now()
	var body []byte
	err := c.breaker.Do(ctx, c.baseURL.Host, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			body, err = c.fetch(ctx, businessID, pages)
			return err
		})
	})
	metrics.AssessmentRequestDuration.Observe(time.Since(timer).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AssessmentRequestsTotal.WithLabelValues("circuit_open").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, ErrNotFound):
		metrics.AssessmentRequestsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	case errors.Is(err, ErrRejected):
		metrics.AssessmentRequestsTotal.WithLabelValues("rejected").Inc()
		span.RecordError(err)
		return nil, err
	default:
		metrics.AssessmentRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var p Preview
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.AssessmentRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(p.Pages) > pages {
		p.Pages = p.Pages[:pages]
	}
	metrics.AssessmentRequestsTotal.WithLabelValues("ok").Inc()

	if c.cache != nil {
		if data, err := json.Marshal(&p); err == nil {
			if err := c.cache.Set(ctx, key, data, c.cacheTTL); err != nil {
				logging.L(ctx).Warn("assessment cache write failed", "error", err)
			}
		}
	}
	return &p, nil
}

func (c *Client) fetch(ctx context.Context, businessID string, pages int) ([]byte, error) {
	u := c.baseURL.JoinPath("v1", "assessments", url.PathEscape(businessID), "preview")
	q := u.Query()
	q.Set("pages", strconv.Itoa(pages))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err := fmt.Errorf("assessment: upstream status %d", resp.StatusCode)
		if wait, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return nil, retry.After(wait, err)
		}
		return nil, err
	default:
		return nil, retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
	}
}

// countsAsOutage keeps client-side errors from tripping the breaker.
func countsAsOutage(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRejected)
}

// retryAfter parses the delay-seconds form of Retry-After.
func retryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func cacheKey(businessID string, pages int) string {
	return "assessment:preview:" + businessID + ":" + strconv.Itoa(pages)
}
