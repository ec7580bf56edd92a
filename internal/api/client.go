package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-civitai-bulk/internal/helpers"
	"go-civitai-bulk/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API token)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")

	// ErrProtocolViolation marks a nextPage pointer that failed validation.
	// The pointer is echoed from a prior response and must never be followed
	// blindly.
	ErrProtocolViolation = errors.New("pagination URL failed validation")
	// ErrPaginationCycle marks a nextPage URL seen earlier in the same walk.
	ErrPaginationCycle = errors.New("circular pagination detected")
	// ErrTruncatedResults marks a walk stopped by the page ceiling; pages
	// yielded before the ceiling remain valid.
	ErrTruncatedResults = errors.New("page ceiling reached before end of results")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

var allowedApiHosts = map[string]struct{}{
	"civitai.com":     {},
	"www.civitai.com": {},
}

// Client drives requests against the listing API. The token travels only in
// the Authorization header, never in a query parameter.
type Client struct {
	BaseURL    string
	ApiKey     string
	HttpClient *http.Client

	MaxRetries int
	RetryDelay time.Duration
	PageDelay  time.Duration
	MaxPages   int
}

// NewClient creates a new API client from config.
func NewClient(apiKey string, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		BaseURL:    CivitaiApiBaseUrl,
		ApiKey:     apiKey,
		HttpClient: httpClient,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: time.Duration(cfg.RetryDelaySec) * time.Second,
		PageDelay:  time.Duration(cfg.ApiDelayMs) * time.Millisecond,
		MaxPages:   cfg.MaxPages,
	}
}

// validateNextPageURL ensures a server-supplied pagination pointer still
// targets the provider's own API over HTTPS. A pointer matching the client's
// configured endpoint is also accepted, which keeps the client usable against
// a local stand-in.
func (c *Client) validateNextPageURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable URL", ErrProtocolViolation)
	}
	if !strings.HasPrefix(parsed.Path, "/api/") {
		return "", fmt.Errorf("%w: unexpected path %q", ErrProtocolViolation, parsed.Path)
	}
	if base, baseErr := url.Parse(c.BaseURL); baseErr == nil && parsed.Scheme == base.Scheme && parsed.Host == base.Host {
		return raw, nil
	}
	if parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: non-HTTPS scheme in %s", ErrProtocolViolation, helpers.RedactURL(raw))
	}
	if _, ok := allowedApiHosts[parsed.Host]; !ok {
		return "", fmt.Errorf("%w: unexpected host %q", ErrProtocolViolation, parsed.Host)
	}
	return raw, nil
}

// ListUserModels returns an iterator over the listing pages for a username.
func (c *Client) ListUserModels(username string) *PageIterator {
	values := url.Values{}
	values.Set("username", username)
	values.Set("nsfw", "true")
	return &PageIterator{
		client:  c,
		nextURL: fmt.Sprintf("%s/models?%s", c.BaseURL, values.Encode()),
		seen:    make(map[string]struct{}),
	}
}

// PageIterator walks cursor pagination in the bufio.Scanner style:
//
//	it := client.ListUserModels(u)
//	for it.Next() {
//		page := it.Page()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Page order is strictly sequential; nextPage depends on the previous
// response. The iterator is not safe for concurrent use.
type PageIterator struct {
	client    *Client
	nextURL   string
	seen      map[string]struct{}
	pageCount int
	page      models.ApiResponse
	err       error
	done      bool
}

// Next fetches the next page. It returns false when the walk is finished,
// cleanly or otherwise; consult Err afterwards.
func (it *PageIterator) Next() bool {
	if it.done {
		return false
	}
	if it.nextURL == "" {
		it.done = true
		return false
	}
	if it.client.MaxPages > 0 && it.pageCount >= it.client.MaxPages {
		it.err = fmt.Errorf("%w (ceiling %d)", ErrTruncatedResults, it.client.MaxPages)
		it.done = true
		return false
	}
	if _, dup := it.seen[it.nextURL]; dup {
		it.err = fmt.Errorf("%w: %s", ErrPaginationCycle, helpers.RedactURL(it.nextURL))
		it.done = true
		return false
	}
	it.seen[it.nextURL] = struct{}{}

	if it.pageCount > 0 && it.client.PageDelay > 0 {
		time.Sleep(it.client.PageDelay)
	}
	it.pageCount++

	page, err := it.client.fetchPage(it.nextURL, it.pageCount)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	if page.Empty() {
		log.Debug("Received page with no items and no metadata, end of results.")
		it.done = true
		return false
	}

	it.page = page
	if raw := page.Metadata.NextPage; raw != "" {
		validated, vErr := it.client.validateNextPageURL(raw)
		if vErr != nil {
			// Surface the violation but still hand the current page over.
			it.err = vErr
			it.nextURL = ""
		} else {
			it.nextURL = validated
		}
	} else {
		it.nextURL = ""
	}
	return true
}

// Page returns the page fetched by the last successful Next.
func (it *PageIterator) Page() models.ApiResponse {
	return it.page
}

// Err returns the error that stopped (or will stop) the walk, if any.
func (it *PageIterator) Err() error {
	return it.err
}

// Pages returns the number of pages fetched so far.
func (it *PageIterator) Pages() int {
	return it.pageCount
}

// fetchPage performs a single page request with a bounded retry loop. Auth
// failures and 404 are terminal; rate limits, server errors and transport
// errors consume attempts.
func (c *Client) fetchPage(reqURL string, pageNum int) (models.ApiResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		if attempt > 1 {
			log.WithError(lastErr).Warnf("Retrying page %d (%d/%d) in %v...", pageNum, attempt, c.MaxRetries, c.RetryDelay)
			time.Sleep(c.RetryDelay)
		}

		req, err := http.NewRequest(http.MethodGet, reqURL, nil)
		if err != nil {
			return models.ApiResponse{}, fmt.Errorf("creating request for page %d: %w", pageNum, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.ApiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.ApiKey)
		}

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fetching page %d from %s: %w", pageNum, helpers.RedactURL(reqURL), err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Error closing listing response body")
		}
		if readErr != nil {
			lastErr = fmt.Errorf("reading page %d body: %w", pageNum, readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var page models.ApiResponse
			if err := json.Unmarshal(body, &page); err != nil {
				// Malformed payloads indicate a provider schema change, not
				// a transient condition; fail loudly.
				return models.ApiResponse{}, fmt.Errorf("decoding page %d response: %w", pageNum, err)
			}
			return page, nil
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return models.ApiResponse{}, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			return models.ApiResponse{}, fmt.Errorf("%w: %s", ErrNotFound, helpers.RedactURL(reqURL))
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w (status %d)", ErrServerError, resp.StatusCode)
		default:
			return models.ApiResponse{}, fmt.Errorf("page %d request failed with status %d", pageNum, resp.StatusCode)
		}
	}

	return models.ApiResponse{}, fmt.Errorf("page %d failed after %d attempts: %w", pageNum, c.MaxRetries, lastErr)
}
