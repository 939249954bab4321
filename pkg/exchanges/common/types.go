package common

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType denotes the order types the exchange accepts.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order to be sent to an exchange.
type OrderRequest struct {
	Symbol string
	Side   Side
	Type   OrderType
	Qty    float64
	Price  float64 // required for LIMIT
}

// OrderResult is the exchange's record of one order.
type OrderResult struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgPrice        float64
	Commission      float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Ticker is a raw top-of-book observation.
type Ticker struct {
	Symbol     string
	Bid        float64
	Ask        float64
	Last       float64
	ServerTime int64 // unix millis
}

// Balance is a wallet entry for one asset.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// PairInfo holds the trading rules of one pair.
type PairInfo struct {
	Symbol          string
	Coin            string
	Unit            string
	CanTrade        bool
	PricePrecision  int32
	AmountPrecision int32
	MinNotional     float64
}

// RoundQty truncates qty to the pair's amount precision, never rounding up.
func (p PairInfo) RoundQty(qty float64) float64 {
	f, _ := decimal.NewFromFloat(qty).Truncate(p.AmountPrecision).Float64()
	return f
}

// RoundPrice rounds price to the pair's price precision.
func (p PairInfo) RoundPrice(price float64) float64 {
	f, _ := decimal.NewFromFloat(price).Round(p.PricePrecision).Float64()
	return f
}

// ExchangeInfo describes the venue.
type ExchangeInfo struct {
	IsRunning bool
	Pairs     map[string]PairInfo
}

// SplitSymbol splits "BTC/USD" into base and quote assets.
func SplitSymbol(symbol string) (base, quote string) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol, ""
	}
	return base, quote
}

// FormatDecimal renders v without exponent or trailing zeros.
func FormatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}
