package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

// FormatFill renders a fill into a deterministic title and body. The same
// fill always produces byte-identical output, so chat channels show exact
// duplicates when the at-least-once guarantee redelivers one.
func FormatFill(f domain.Fill) (title, message string) {
	title = fmt.Sprintf("New fill: %s %s", f.Symbol, f.Side)

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol:   %s\n", f.Symbol)
	fmt.Fprintf(&b, "Side:     %s\n", f.Side)
	fmt.Fprintf(&b, "Price:    %s\n", f.Price.String())
	fmt.Fprintf(&b, "Quantity: %s\n", f.Quantity.String())
	fmt.Fprintf(&b, "Notional: %s\n", f.Notional().String())
	fmt.Fprintf(&b, "Executed: %s", f.ExecutedAt.UTC().Format(time.RFC3339))
	if f.OrderID != "" {
		fmt.Fprintf(&b, "\nOrder:    %s", f.OrderID)
	}
	return title, b.String()
}
