package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade execution.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes an exchange-supplied side string ("Buy", "SELL", ...).
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("domain: unknown side %q", s)
	}
}

// Fill represents a single trade execution reported by the exchange.
// ExecID is the exchange-assigned identifier and is the deduplication key:
// two fills with the same ExecID are the same event.
type Fill struct {
	ExecID     string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	ExecutedAt time.Time
	OrderID    string
}

// Notional returns the executed value (price × quantity) as an exact decimal.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// Validate checks that the fill carries everything a notification needs.
func (f Fill) Validate() error {
	if f.ExecID == "" {
		return fmt.Errorf("domain: fill missing exec id")
	}
	if f.Symbol == "" {
		return fmt.Errorf("domain: fill %s missing symbol", f.ExecID)
	}
	if f.Side != SideBuy && f.Side != SideSell {
		return fmt.Errorf("domain: fill %s has invalid side %q", f.ExecID, f.Side)
	}
	if f.ExecutedAt.IsZero() {
		return fmt.Errorf("domain: fill %s missing execution time", f.ExecID)
	}
	return nil
}
