package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	base := &Error{Kind: KindGatewayUnavailable, Op: "PlaceOrder", Ambiguous: true}
	wrapped := fmt.Errorf("submit BTC/USD: %w", base)

	assert.True(t, errors.Is(wrapped, GatewayUnavailable))
	assert.False(t, errors.Is(wrapped, RejectedByExchange))
	assert.Equal(t, KindGatewayUnavailable, KindOf(wrapped))
	assert.True(t, IsAmbiguous(wrapped))
	assert.False(t, IsFatal(wrapped))
}

func TestConfigIsFatal(t *testing.T) {
	err := Config("SYMBOLS is required")
	assert.True(t, IsFatal(err))
	assert.Equal(t, "config_error: SYMBOLS is required", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindStrategyFault, "OnTick", nil))
	err := Wrap(KindStrategyFault, "OnTick", errors.New("boom"))
	assert.Equal(t, "OnTick: strategy_fault: boom", err.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
