package execution

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderType string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"

	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// ParseOrderSide accepts the exchange's spellings ("BUY", "sell", "bid", "ask").
func ParseOrderSide(s string) (OrderSide, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid":
		return OrderSideBuy, true
	case "sell", "ask":
		return OrderSideSell, true
	}
	return "", false
}

func ParseOrderType(s string) (OrderType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "limit":
		return OrderTypeLimit, true
	case "market":
		return OrderTypeMarket, true
	}
	return "", false
}

// Balance is one asset's entry in the account snapshot.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// Quote is the ticker for one THB pair. The zero value is the "no market data" sentinel.
type Quote struct {
	Last       decimal.Decimal `json:"last"`
	HighestBid decimal.Decimal `json:"highestBid"`
	LowestAsk  decimal.Decimal `json:"lowestAsk"`
}

func (q Quote) IsZero() bool {
	return q.Last.IsZero() && q.HighestBid.IsZero() && q.LowestAsk.IsZero()
}

type OrderRequest struct {
	Symbol    string
	Side      OrderSide
	Amount    decimal.Decimal // THB for buys, asset units for sells
	Rate      decimal.Decimal
	Type      OrderType
	Timestamp time.Time
}

// OrderResult mirrors the place-bid/place-ask result object.
type OrderResult struct {
	ID            OrderID         `json:"id"`
	Hash          string          `json:"hash"`
	Type          string          `json:"typ"`
	Amount        decimal.Decimal `json:"amt"`
	Rate          decimal.Decimal `json:"rat"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCreditUsed decimal.Decimal `json:"cre"`
	Received      decimal.Decimal `json:"rec"`
	Timestamp     int64           `json:"ts"`
}

type OpenOrder struct {
	ID        OrderID         `json:"id"`
	Hash      string          `json:"hash"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"ts"`
}

// OrderID is reported as a number by some endpoints and as a string by others.
type OrderID string

func (id *OrderID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	*id = OrderID(strings.Trim(s, `"`))
	return nil
}

func (id OrderID) String() string { return string(id) }

// PairSymbol maps an asset symbol to its THB market pair, e.g. "btc" -> "THB_BTC".
func PairSymbol(symbol string) string {
	return "THB_" + strings.ToUpper(strings.TrimSpace(symbol))
}
