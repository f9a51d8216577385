package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(ClientConfig{
		ApiKey:       "test-key",
		ApiSecret:    "test-secret",
		Category:     "linear",
		RecvWindowMs: 5000,
		PageLimit:    50,
	}).WithBaseURL(srv.URL)
}

func executionJSON(execID, execTime string) string {
	return fmt.Sprintf(`{
		"execId": %q, "symbol": "BTCUSDT", "side": "Buy",
		"execPrice": "65000.5", "execQty": "0.01",
		"execTime": %q, "orderId": "o-1"
	}`, execID, execTime)
}

func okEnvelope(list, cursor string) string {
	return fmt.Sprintf(`{"retCode":0,"retMsg":"OK","result":{"list":[%s],"nextPageCursor":%q}}`, list, cursor)
}

func TestRecentFillsParsesAndSortsAscending(t *testing.T) {
	// Bybit returns newest first.
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okEnvelope(
			executionJSON("e3", "1756000003000")+","+
				executionJSON("e1", "1756000001000")+","+
				executionJSON("e2", "1756000002000"),
			"",
		))
	})

	fills, err := client.RecentFills(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 3)

	assert.Equal(t, "e1", fills[0].ExecID)
	assert.Equal(t, "e2", fills[1].ExecID)
	assert.Equal(t, "e3", fills[2].ExecID)

	assert.Equal(t, "BTCUSDT", fills[0].Symbol)
	assert.Equal(t, domain.SideBuy, fills[0].Side)
	assert.Equal(t, "65000.5", fills[0].Price.String())
	assert.Equal(t, "0.01", fills[0].Quantity.String())
	assert.Equal(t, time.UnixMilli(1756000001000).UTC(), fills[0].ExecutedAt)
	assert.Equal(t, "o-1", fills[0].OrderID)
}

func TestRecentFillsFollowsPagination(t *testing.T) {
	var cursors []string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		cursors = append(cursors, cursor)
		if cursor == "" {
			fmt.Fprint(w, okEnvelope(executionJSON("e2", "1756000002000"), "page-2"))
			return
		}
		fmt.Fprint(w, okEnvelope(executionJSON("e1", "1756000001000"), ""))
	})

	fills, err := client.RecentFills(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, []string{"", "page-2"}, cursors)
	assert.Equal(t, "e1", fills[0].ExecID)
}

func TestRecentFillsRefusesToTruncateDeepBacklog(t *testing.T) {
	// Pages arrive newest-first, so a truncated fetch would lose the oldest
	// fills in the window and the cursor would advance past them for good.
	requests := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		execID := fmt.Sprintf("e%03d", requests)
		execTime := fmt.Sprintf("%d", 1756001000000-int64(requests)*1000)
		fmt.Fprint(w, okEnvelope(executionJSON(execID, execTime), "more"))
	})

	fills, err := client.RecentFills(context.Background(), time.Time{})
	require.Error(t, err)
	assert.Nil(t, fills, "a partial window must not be returned")
	assert.Contains(t, err.Error(), "backlog")
	assert.Equal(t, maxPages, requests)
}

func TestRecentFillsCompletesAtPageCap(t *testing.T) {
	// A window that needs exactly maxPages pages still succeeds.
	requests := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		cursor := "more"
		if requests == maxPages {
			cursor = ""
		}
		execID := fmt.Sprintf("e%03d", requests)
		execTime := fmt.Sprintf("%d", 1756001000000-int64(requests)*1000)
		fmt.Fprint(w, okEnvelope(executionJSON(execID, execTime), cursor))
	})

	fills, err := client.RecentFills(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, maxPages)
	// Oldest first: the last page served carries the oldest execution.
	assert.Equal(t, fmt.Sprintf("e%03d", maxPages), fills[0].ExecID)
	assert.Equal(t, "e001", fills[len(fills)-1].ExecID)
}

func TestRecentFillsSendsSignedHeaders(t *testing.T) {
	var captured *http.Request
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		fmt.Fprint(w, okEnvelope("", ""))
	})
	fixed := time.UnixMilli(1756000000000)
	client.now = func() time.Time { return fixed }

	since := time.UnixMilli(1755996400000)
	_, err := client.RecentFills(context.Background(), since)
	require.NoError(t, err)
	require.NotNil(t, captured)

	q := captured.URL.Query()
	assert.Equal(t, "linear", q.Get("category"))
	assert.Equal(t, "50", q.Get("limit"))
	assert.Equal(t, "1755996400000", q.Get("startTime"))

	assert.Equal(t, "test-key", captured.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "1756000000000", captured.Header.Get("X-BAPI-TIMESTAMP"))
	assert.Equal(t, "5000", captured.Header.Get("X-BAPI-RECV-WINDOW"))

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("1756000000000" + "test-key" + "5000" + captured.URL.RawQuery))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), captured.Header.Get("X-BAPI-SIGN"))
}

func TestRecentFillsAuthRetCodeIsFatal(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10003,"retMsg":"API key is invalid"}`)
	})

	_, err := client.RecentFills(context.Background(), time.Time{})
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Contains(t, err.Error(), "API key is invalid")
}

func TestRecentFillsRateLimitHTTPStatus(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.RecentFills(context.Background(), time.Time{})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 7*time.Second, rle.RetryAfter)
}

func TestRecentFillsRateLimitRetCode(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10006,"retMsg":"Too many visits"}`)
	})

	_, err := client.RecentFills(context.Background(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRecentFillsResetTimestampHeader(t *testing.T) {
	fixed := time.UnixMilli(1756000000000)
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Bapi-Limit-Reset-Timestamp", "1756000003000")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client.now = func() time.Time { return fixed }

	_, err := client.RecentFills(context.Background(), time.Time{})
	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 3*time.Second, rle.RetryAfter)
}

func TestRecentFillsMalformedRecordAbortsFetch(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okEnvelope(
			executionJSON("e1", "1756000001000")+","+
				`{"execId":"e2","symbol":"BTCUSDT","side":"Buy","execPrice":"not-a-number","execQty":"0.01","execTime":"1756000002000"}`,
			"",
		))
	})

	fills, err := client.RecentFills(context.Background(), time.Time{})
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
	assert.Contains(t, err.Error(), "e2")
	assert.Nil(t, fills, "a malformed record must abort the whole fetch")
}

func TestRecentFillsMissingExecIDIsMalformed(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okEnvelope(
			`{"symbol":"BTCUSDT","side":"Sell","execPrice":"1","execQty":"1","execTime":"1756000002000"}`,
			"",
		))
	})

	_, err := client.RecentFills(context.Background(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestRecentFillsNonJSONBodyIsMalformed(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	})

	_, err := client.RecentFills(context.Background(), time.Time{})
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestRecentFillsUnexpectedStatus(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.RecentFills(context.Background(), time.Time{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuth)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
}
