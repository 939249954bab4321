package backtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/internal/market"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/recorder"
	"roostoo-bot/internal/risk"
	"roostoo-bot/internal/strategy"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func series(symbol string, prices ...float64) []market.Tick {
	out := make([]market.Tick, len(prices))
	for i, p := range prices {
		out[i] = market.Tick{Symbol: symbol, Bid: p, Ask: p, Last: p, Time: t0.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func baseConfig(strats ...strategy.Config) Config {
	return Config{
		Symbols:        []string{"BTC/USD"},
		Quote:          "USD",
		InitialBalance: 10000,
		Seed:           7,
		Risk: risk.Config{
			MaxCapitalAtRisk: 5000,
			FeeBuffer:        0.001,
		},
		Strategies: strats,
	}
}

func dipBuy() strategy.Config {
	return strategy.Config{
		ID: "dip", Type: "dip_buy", Symbol: "BTC/USD", IsActive: true,
		Parameters: map[string]any{"size": 0.01, "threshold": 0.01},
	}
}

func readTrace(t *testing.T, b []byte) []Line {
	t.Helper()
	var out []Line
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var l Line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		out = append(out, l)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestDipBuyReplay(t *testing.T) {
	var buf bytes.Buffer
	res, err := Run(context.Background(), baseConfig(dipBuy()), series("BTC/USD", 100, 101, 99), &buf, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Ticks)
	assert.Equal(t, 1, res.Intents)
	assert.Equal(t, 1, res.Approved)
	assert.Equal(t, 1, res.Filled)
	require.Len(t, res.Positions, 1)
	assert.InDelta(t, 0.01, res.Positions[0].Quantity, 1e-12)
	assert.InDelta(t, 99.0, res.Positions[0].AvgCost, 1e-9)

	lines := readTrace(t, buf.Bytes())
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "intent", lines[0].Kind)
	assert.Equal(t, t0.Add(2*time.Second), lines[0].Time)
	assert.Equal(t, "verdict", lines[1].Kind)
	assert.True(t, lines[1].Verdict.Approved)
	assert.Equal(t, "bt-000001", lines[1].Verdict.ClientOrderID)

	last := lines[len(lines)-1]
	require.Equal(t, "order", last.Kind)
	assert.Equal(t, order.StateFilled, last.Order.Order.State)
	for i, l := range lines {
		assert.Equal(t, i+1, l.N)
	}
}

func TestInsufficientCapitalIsTraced(t *testing.T) {
	cfg := baseConfig(dipBuy())
	cfg.InitialBalance = 0.5

	var buf bytes.Buffer
	res, err := Run(context.Background(), cfg, series("BTC/USD", 100, 101, 99), &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 0, res.Orders)
	assert.Equal(t, 1, res.Reasons[risk.ReasonInsufficient])

	lines := readTrace(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.False(t, lines[1].Verdict.Approved)
	assert.Equal(t, risk.ReasonInsufficient, lines[1].Verdict.Reason)
}

func wave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Round((100+8*math.Sin(float64(i)/5)+float64(i%7)*0.3)*100) / 100
	}
	return out
}

func TestReplayIsDeterministic(t *testing.T) {
	cfg := baseConfig(
		dipBuy(),
		strategy.Config{ID: "cross", Type: "ma_cross", Symbol: "BTC/USD", IsActive: true,
			Parameters: map[string]any{"fast": 3, "slow": 8, "size": 0.02}},
		strategy.Config{ID: "grid", Type: "grid", Symbol: "BTC/USD", IsActive: true,
			Parameters: map[string]any{"lower": 92, "upper": 108, "size": 0.01, "step": 2}},
	)
	cfg.SlippageBps = 5
	cfg.OrderTTL = 30 * time.Second
	ticks := series("BTC/USD", wave(200)...)

	var a, b bytes.Buffer
	ra, err := Run(context.Background(), cfg, ticks, &a, nil)
	require.NoError(t, err)
	rb, err := Run(context.Background(), cfg, ticks, &b, nil)
	require.NoError(t, err)

	assert.Greater(t, ra.Intents, 0)
	assert.Equal(t, ra, rb)
	assert.Equal(t, a.String(), b.String())
}

func TestOutOfOrderTicksAreDropped(t *testing.T) {
	ticks := series("BTC/USD", 100, 101, 99)
	for i := range ticks {
		ticks[i].Seq = uint64(10 + i)
	}
	ticks = append(ticks, market.Tick{Symbol: "BTC/USD", Last: 50, Bid: 50, Ask: 50, Time: t0.Add(time.Minute), Seq: 11})

	res, err := Run(context.Background(), baseConfig(dipBuy()), ticks, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Ticks)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Intents)
}

func TestUnknownStrategyTypeFails(t *testing.T) {
	_, err := Run(context.Background(), baseConfig(strategy.Config{ID: "x", Type: "martingale", Symbol: "BTC/USD"}), nil, nil, nil)
	require.Error(t, err)
}

func TestLoadCSV(t *testing.T) {
	in := strings.NewReader(`time,symbol,bid,ask,last
2025-03-01T00:00:00Z,BTC/USD,99.5,100.5,100
1740787201000,BTC/USD,,,101
`)
	ticks, err := LoadCSV(in)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, 99.5, ticks[0].Bid)
	assert.Equal(t, 100.5, ticks[0].Ask)
	assert.Equal(t, t0, ticks[0].Time)
	assert.Equal(t, 101.0, ticks[1].Bid)
	assert.Equal(t, t0.Add(time.Second), ticks[1].Time)
}

func TestLoadCSVErrors(t *testing.T) {
	cases := map[string]string{
		"missing column": "time,symbol\n2025-03-01T00:00:00Z,BTC/USD\n",
		"bad time":       "time,symbol,last\nyesterday,BTC/USD,1\n",
		"bad price":      "time,symbol,last\n1,BTC/USD,abc\n",
		"zero price":     "time,symbol,last\n1,BTC/USD,0\n",
		"empty symbol":   "time,symbol,last\n1,,1\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCSV(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestLoadRecording(t *testing.T) {
	dir := t.TempDir()
	rec, err := recorder.Open(dir, nil)
	require.NoError(t, err)
	for i, tk := range series("BTC/USD", 100, 101, 99) {
		tk.Seq = uint64(i + 1)
		require.NoError(t, rec.Record(tk))
	}
	require.NoError(t, rec.Close())

	ticks, err := LoadRecording(dir)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, 99.0, ticks[2].Last)

	res, err := Run(context.Background(), baseConfig(dipBuy()), ticks, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Approved)
}
