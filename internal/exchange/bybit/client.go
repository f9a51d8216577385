// Package bybit implements the exchange-facing side of fillwatch against the
// Bybit v5 API: a signed, read-only REST client for recent executions and a
// private WebSocket stream for live ones.
//
// The package deliberately contains no order-mutating calls. Combined with a
// read-only API key this makes the watcher incapable of touching positions.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

const (
	mainnetRESTHost = "https://api.bybit.com"
	testnetRESTHost = "https://api-testnet.bybit.com"

	executionListPath = "/v5/execution/list"

	// maxPages bounds cursor pagination within one fetch so a cursor loop
	// cannot stall a tick forever. Pages arrive newest-first, so anything
	// beyond the cap would be the oldest fills in the window; rather than
	// truncate those away the fetch fails and nothing advances.
	maxPages = 100
)

// Bybit v5 retCode values the client reacts to.
const (
	retCodeOK            = 0
	retCodeInvalidAPIKey = 10003
	retCodeInvalidSign   = 10004
	retCodePermission    = 10005
	retCodeRateLimit     = 10006
	retCodeKeyExpired    = 33004
)

// ClientConfig holds the credential and query parameters for the REST client.
type ClientConfig struct {
	ApiKey       string
	ApiSecret    string
	Testnet      bool
	Category     string // product category, e.g. "linear", "spot"
	RecvWindowMs int
	PageLimit    int
}

// Client is the authenticated read-only REST client for Bybit v5. It
// implements domain.FillSource.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	category   string
	recvWindow string
	pageLimit  int
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Client for the mainnet or testnet endpoint.
func NewClient(cfg ClientConfig) *Client {
	base := mainnetRESTHost
	if cfg.Testnet {
		base = testnetRESTHost
	}
	limit := cfg.PageLimit
	if limit < 1 || limit > 100 {
		limit = 100
	}
	recvWindow := cfg.RecvWindowMs
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.ApiKey,
		apiSecret:  cfg.ApiSecret,
		category:   cfg.Category,
		recvWindow: strconv.Itoa(recvWindow),
		pageLimit:  limit,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// WithBaseURL overrides the API host. Used by tests to point the client at a
// local server.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

// RecentFills fetches executions newer than since, following pagination, and
// returns them ascending by execution time. A zero since leaves the window to
// the exchange's own maximum lookback.
func (c *Client) RecentFills(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	var fills []domain.Fill
	cursor := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("category", c.category)
		q.Set("limit", strconv.Itoa(c.pageLimit))
		if !since.IsZero() {
			q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		body, err := c.signedGet(ctx, executionListPath, q)
		if err != nil {
			return nil, err
		}

		var result executionListResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("bybit: decode execution list: %v: %w", err, domain.ErrMalformedResponse)
		}

		for _, item := range result.List {
			fill, err := item.toFill()
			if err != nil {
				return nil, err
			}
			fills = append(fills, fill)
		}

		cursor = result.NextPageCursor
		if cursor == "" || len(result.List) == 0 {
			break
		}
	}

	if cursor != "" {
		return nil, fmt.Errorf("bybit: execution backlog exceeds %d pages of %d, refusing to drop the oldest fills", maxPages, c.pageLimit)
	}

	// The exchange returns newest-first; callers rely on ascending execution
	// order. Stable sort with an execId tie-break keeps same-millisecond
	// fills deterministic.
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].ExecutedAt.Equal(fills[j].ExecutedAt) {
			return fills[i].ExecID < fills[j].ExecID
		}
		return fills[i].ExecutedAt.Before(fills[j].ExecutedAt)
	})

	return fills, nil
}

// signedGet performs an authenticated GET and returns the result payload.
// Bybit v5 signs timestamp + apiKey + recvWindow + queryString with
// HMAC-SHA256 over the API secret.
func (c *Client) signedGet(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	query := q.Encode()
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + c.recvWindow + query))
	sign := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: create request: %w", err)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", sign)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return nil, &domain.RateLimitError{RetryAfter: retryAfterFrom(resp, c.now())}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bybit: request %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("bybit: read response: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("bybit: decode envelope: %v: %w", err, domain.ErrMalformedResponse)
	}

	switch envelope.RetCode {
	case retCodeOK:
		return envelope.Result, nil
	case retCodeInvalidAPIKey, retCodeInvalidSign, retCodePermission, retCodeKeyExpired:
		return nil, fmt.Errorf("bybit: retCode %d (%s): %w", envelope.RetCode, envelope.RetMsg, domain.ErrAuth)
	case retCodeRateLimit:
		return nil, &domain.RateLimitError{RetryAfter: retryAfterFrom(resp, c.now())}
	default:
		return nil, fmt.Errorf("bybit: retCode %d: %s", envelope.RetCode, envelope.RetMsg)
	}
}

// retryAfterFrom extracts the suggested backoff from rate-limit response
// headers. Bybit exposes the window reset as an epoch-millisecond timestamp;
// a plain Retry-After is honored too. Returns zero when neither is present.
func retryAfterFrom(resp *http.Response, now time.Time) time.Duration {
	if v := resp.Header.Get("X-Bapi-Limit-Reset-Timestamp"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.UnixMilli(ms).Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// Compile-time interface check.
var _ domain.FillSource = (*Client)(nil)
