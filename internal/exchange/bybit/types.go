package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

// apiResponse is the envelope every Bybit v5 REST response uses.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// executionListResult is the payload of GET /v5/execution/list.
type executionListResult struct {
	List           []executionItem `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

// executionItem is a single execution record on the wire. Prices, quantities
// and timestamps arrive as strings.
type executionItem struct {
	ExecID    string `json:"execId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecPrice string `json:"execPrice"`
	ExecQty   string `json:"execQty"`
	ExecTime  string `json:"execTime"`
	OrderID   string `json:"orderId"`
}

// toFill maps a wire record to a domain Fill. Any missing or unparseable
// field is a malformed-response error: the caller aborts the whole fetch
// rather than silently dropping the record.
func (e executionItem) toFill() (domain.Fill, error) {
	if e.ExecID == "" {
		return domain.Fill{}, fmt.Errorf("bybit: execution missing execId: %w", domain.ErrMalformedResponse)
	}

	side, err := domain.ParseSide(e.Side)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("bybit: execution %s: %v: %w", e.ExecID, err, domain.ErrMalformedResponse)
	}

	price, err := decimal.NewFromString(e.ExecPrice)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("bybit: execution %s: bad execPrice %q: %w", e.ExecID, e.ExecPrice, domain.ErrMalformedResponse)
	}
	qty, err := decimal.NewFromString(e.ExecQty)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("bybit: execution %s: bad execQty %q: %w", e.ExecID, e.ExecQty, domain.ErrMalformedResponse)
	}

	ms, err := strconv.ParseInt(e.ExecTime, 10, 64)
	if err != nil || ms <= 0 {
		return domain.Fill{}, fmt.Errorf("bybit: execution %s: bad execTime %q: %w", e.ExecID, e.ExecTime, domain.ErrMalformedResponse)
	}

	fill := domain.Fill{
		ExecID:     e.ExecID,
		Symbol:     e.Symbol,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		ExecutedAt: time.UnixMilli(ms).UTC(),
		OrderID:    e.OrderID,
	}
	if err := fill.Validate(); err != nil {
		return domain.Fill{}, fmt.Errorf("bybit: %v: %w", err, domain.ErrMalformedResponse)
	}
	return fill, nil
}

// wsMessage is a frame from the private WebSocket stream.
type wsMessage struct {
	Op      string          `json:"op,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    []executionItem `json:"data,omitempty"`
}

// wsCommand is an op frame sent to the private WebSocket stream.
type wsCommand struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}
