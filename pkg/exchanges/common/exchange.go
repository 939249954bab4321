package common

import (
	"context"
	"errors"
	"fmt"
)

// Exchange is the raw venue contract. Implementations return the error types
// below; classification into the bot's error kinds happens in the gateway.
type Exchange interface {
	ServerTime(ctx context.Context) (int64, error)
	ExchangeInfo(ctx context.Context) (ExchangeInfo, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	Balances(ctx context.Context) ([]Balance, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	QueryOrder(ctx context.Context, exchangeOrderID string) (OrderResult, error)
	QueryOrders(ctx context.Context, symbol string, pendingOnly bool) ([]OrderResult, error)
	PendingCount(ctx context.Context) (int, error)
}

// ErrSigning reports that a request could not be signed (missing or invalid
// credentials). It is never transient.
var ErrSigning = errors.New("request signing failed")

// ErrOrderNotFound is returned by QueryOrder when the exchange has no record.
var ErrOrderNotFound = errors.New("order not found")

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status signals a retryable condition.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// APIError is a well-formed response with Success=false.
type APIError struct {
	Endpoint string
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Msg)
}
