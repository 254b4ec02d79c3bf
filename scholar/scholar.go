package scholar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paperfeed/config"
	"paperfeed/feeds"
	"paperfeed/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	searchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfeed_search_requests_total",
		Help: "Requests sent to the search API by endpoint and HTTP status code",
	}, []string{"endpoint", "code"})

	searchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperfeed_search_errors_total",
		Help: "Searches that failed after all retries",
	}, []string{"endpoint"})

	searchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperfeed_search_retries_total",
		Help: "Retried search attempts",
	})

	searchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperfeed_search_latency_seconds",
		Help:    "Latency of search requests, retries included",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // Start at 50ms, double each bucket, 10 buckets
	}, []string{"endpoint"})
)

const (
	paperSearchPath  = "/graph/v1/paper/search"
	authorSearchPath = "/graph/v1/author/search"

	// Largest page the API serves
	MaxLimit = 100
	// The API rejects offset+limit beyond this window
	MaxResults = 1000

	maxResponseSize = 10 * 1024 * 1024 // 10MB
)

// StatusError is returned for non-200 responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request is worth retrying
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// searchResponse is the envelope shared by the search endpoints. The API
// leaves data out once offset is past the last result.
type searchResponse struct {
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Next   *int            `json:"next,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Client searches papers and authors on the Semantic Scholar Graph API
type Client struct {
	baseURL      string
	apiKey       string
	fields       string
	authorFields string
	userAgent    string
	maxRetries   int
	// First wait between retries, doubled on every attempt
	retryInterval time.Duration
	httpClient    *http.Client
	limiter       *rate.Limiter
}

func NewClient(cfg config.SearchConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		fields:        strings.Join(cfg.Fields, ","),
		authorFields:  strings.Join(cfg.AuthorFields, ","),
		userAgent:     cfg.UserAgent,
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(limit, 1),
	}
}

// FetchPage runs a paper search and returns one page of results for a feed
func (c *Client) FetchPage(ctx context.Context, query string, offset, limit int) (*models.Page, error) {
	result, err := c.SearchPapers(ctx, query, offset, limit)
	if err != nil {
		return nil, err
	}
	return &models.Page{
		Items:         result.Data,
		TotalReturned: len(result.Data),
	}, nil
}

// SearchPapers runs a paper search.
// Transient failures (network errors, 429, 5xx) are retried with exponential backoff.
func (c *Client) SearchPapers(ctx context.Context, query string, offset, limit int) (*models.PaperSearchResult, error) {
	response, err := c.search(ctx, paperSearchPath, c.fields, query, offset, limit)
	if err != nil {
		return nil, err
	}

	papers, err := decodeData[models.Paper](response, offset)
	if err != nil {
		searchErrors.WithLabelValues(paperSearchPath).Inc()
		return nil, err
	}

	return &models.PaperSearchResult{
		Total:  response.Total,
		Offset: offset,
		Next:   response.Next,
		Data:   papers,
	}, nil
}

// SearchAuthors runs an author search, retrying like SearchPapers
func (c *Client) SearchAuthors(ctx context.Context, query string, offset, limit int) (*models.AuthorSearchResult, error) {
	response, err := c.search(ctx, authorSearchPath, c.authorFields, query, offset, limit)
	if err != nil {
		return nil, err
	}

	authors, err := decodeData[models.AuthorProfile](response, offset)
	if err != nil {
		searchErrors.WithLabelValues(authorSearchPath).Inc()
		return nil, err
	}

	return &models.AuthorSearchResult{
		Total:  response.Total,
		Offset: offset,
		Next:   response.Next,
		Data:   authors,
	}, nil
}

func (c *Client) search(ctx context.Context, path, fields, query string, offset, limit int) (*searchResponse, error) {
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("limit must be between 1 and %d, got %d", MaxLimit, limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	if offset >= MaxResults {
		return &searchResponse{Offset: offset}, nil
	}
	// A short page tells the feed it has reached the end of the window
	limit = min(limit, MaxResults-offset)

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("query", query)
	q.Set("fields", fields)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // Bounded by retries and the context instead

	start := time.Now()
	defer func() {
		searchLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	var response *searchResponse
	operation := func() error {
		var err error
		response, err = c.do(ctx, path, u.String())
		if err == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, feeds.ErrUnexpectedResponse) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		searchRetries.Inc()
		log.WithFields(log.Fields{
			"endpoint": path,
			"query":    query,
			"offset":   offset,
			"wait":     wait,
			"error":    err,
		}).Warn("Search failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		searchErrors.WithLabelValues(path).Inc()
		return nil, err
	}

	log.WithFields(log.Fields{
		"endpoint": path,
		"query":    query,
		"offset":   offset,
		"limit":    limit,
		"total":    response.Total,
	}).Debug("Search")

	return response, nil
}

func (c *Client) do(ctx context.Context, path, searchURL string) (*searchResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		searchRequests.WithLabelValues(path, "error").Inc()
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer resp.Body.Close()

	searchRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: response too large (exceeds %d bytes)", feeds.ErrUnexpectedResponse, maxResponseSize)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body[:min(len(body), 200)])),
		}
	}

	var response searchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", feeds.ErrUnexpectedResponse, err)
	}
	return &response, nil
}

// decodeData decodes the result list. A missing list is an empty page only
// when offset is past the last result.
func decodeData[T any](response *searchResponse, offset int) ([]T, error) {
	data := bytes.TrimSpace(response.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		if response.Total <= offset {
			return []T{}, nil
		}
		return nil, fmt.Errorf("%w: data missing with %d results past offset %d", feeds.ErrUnexpectedResponse, response.Total, offset)
	}
	if data[0] != '[' {
		return nil, fmt.Errorf("%w: data is not a list", feeds.ErrUnexpectedResponse)
	}

	items := []T{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", feeds.ErrUnexpectedResponse, err)
	}
	return items, nil
}

var _ feeds.Source = (*Client)(nil)
