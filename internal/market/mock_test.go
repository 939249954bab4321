package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/pkg/exchanges/paper"
)

func TestPaperDriverSeedsAndWalks(t *testing.T) {
	px := paper.New(paper.Config{Quote: "USD", Seed: 7})
	d := &PaperDriver{
		Exchange: px,
		Prices:   map[string]float64{"BTC/USD": 100, "ETH/USD": 0},
		Spread:   0.002,
		Step:     0.01,
		Interval: 5 * time.Millisecond,
	}
	d.Seed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tk, err := px.Ticker(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, 100.0, tk.Last)
	assert.InDelta(t, 99.9, tk.Bid, 1e-9)
	assert.InDelta(t, 100.1, tk.Ask, 1e-9)

	_, err = px.Ticker(ctx, "ETH/USD")
	assert.Error(t, err, "zero seed price is skipped")

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool {
		tk, err := px.Ticker(ctx, "BTC/USD")
		return err == nil && tk.Last != 100
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
